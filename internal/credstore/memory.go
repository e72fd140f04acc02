package credstore

import (
	"context"
	"sync"

	"github.com/BlackMission/authflow/internal/domain"
)

// Memory keeps the credential in process memory.
type Memory struct {
	mu  sync.RWMutex
	tok *domain.TokenResult
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Save replaces the stored credential.
func (m *Memory) Save(ctx context.Context, tok domain.TokenResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tok.Scopes = append([]string(nil), tok.Scopes...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = &tok
	return nil
}

// Load returns a copy of the stored credential.
func (m *Memory) Load(ctx context.Context) (*domain.TokenResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tok == nil {
		return nil, nil
	}
	tok := *m.tok
	tok.Scopes = append([]string(nil), m.tok.Scopes...)
	return &tok, nil
}

// Clear removes the stored credential.
func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}
