// Package credstore persists the credential produced by a flow. Stores
// hold one credential per profile key; Load returns nil, nil when nothing
// is stored.
package credstore

import (
	"encoding/json"
	"fmt"

	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/seal"
)

// DefaultProfile is the key used when none is given.
const DefaultProfile = "default"

type codec struct {
	profile string
	sealer  *seal.Sealer
}

func newCodec(profile string, sealer *seal.Sealer) codec {
	if profile == "" {
		profile = DefaultProfile
	}
	return codec{profile: profile, sealer: sealer}
}

func (c codec) encode(tok domain.TokenResult) ([]byte, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	if c.sealer == nil {
		return data, nil
	}
	return c.sealer.Seal(data, c.profile)
}

func (c codec) decode(data []byte) (*domain.TokenResult, error) {
	if c.sealer != nil {
		opened, err := c.sealer.Open(data, c.profile)
		if err != nil {
			return nil, err
		}
		data = opened
	}
	var tok domain.TokenResult
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return &tok, nil
}
