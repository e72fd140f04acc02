package state

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/BlackMission/authflow/internal/domain"
)

const (
	defaultExpiry = 10 * time.Minute
	nonceBytes    = 16
	keyBytes      = 32
)

// Service generates authorization attempts and their HMAC-signed state
// parameters.
type Service struct {
	key    []byte
	expiry time.Duration
	now    func() time.Time
}

// NewService creates a state service with the given HMAC signing key. An
// empty key is replaced by a random per-process key.
func NewService(key []byte) *Service {
	if len(key) == 0 {
		key = make([]byte, keyBytes)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("state: generating signing key: %v", err))
		}
	}
	return &Service{
		key:    key,
		expiry: defaultExpiry,
		now:    time.Now,
	}
}

// SetNow overrides the time function (for testing).
func (s *Service) SetNow(fn func() time.Time) {
	s.now = fn
}

// SetExpiry overrides how long a generated state stays valid.
func (s *Service) SetExpiry(d time.Duration) {
	if d > 0 {
		s.expiry = d
	}
}

// Expiry returns how long a generated state stays valid.
func (s *Service) Expiry() time.Duration {
	return s.expiry
}

// NewAttempt creates a fresh attempt for grant: a new ID, a signed state and,
// for PKCE grants, a verifier/challenge pair.
func (s *Service) NewAttempt(grant domain.GrantType) (*domain.Attempt, error) {
	now := s.now()
	attempt := &domain.Attempt{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.expiry),
	}

	st, err := s.Generate(domain.StatePayload{AttemptID: attempt.ID})
	if err != nil {
		return nil, err
	}
	attempt.State = st

	if grant.UsesPKCE() {
		attempt.CodeVerifier = oauth2.GenerateVerifier()
		attempt.CodeChallenge = oauth2.S256ChallengeFromVerifier(attempt.CodeVerifier)
	}
	return attempt, nil
}

// Generate creates an HMAC-signed state token containing the given payload.
func (s *Service) Generate(payload domain.StatePayload) (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	payload.Nonce = hex.EncodeToString(nonce)
	payload.ExpiresAt = s.now().Add(s.expiry)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling state payload: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(data)
	sig := s.sign(encoded)

	return encoded + "." + sig, nil
}

// Validate verifies the HMAC signature and expiry of a state token.
func (s *Service) Validate(token string) (*domain.StatePayload, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, domain.ErrMalformedState
	}

	encoded, sig := parts[0], parts[1]

	expectedSig := s.sign(encoded)
	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return nil, domain.ErrInvalidState
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domain.ErrMalformedState
	}

	var payload domain.StatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, domain.ErrMalformedState
	}

	if s.now().After(payload.ExpiresAt) {
		return nil, domain.ErrExpiredState
	}

	return &payload, nil
}

func (s *Service) sign(data string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
