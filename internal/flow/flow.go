// Package flow drives one OAuth2 authorization attempt at a time from
// authorize URL to token, resolving each attempt exactly once.
package flow

import (
	"context"

	"github.com/BlackMission/authflow/internal/domain"
)

// Sink receives what the user agent did. Its methods never block and may
// be called from any goroutine; signals that arrive after the attempt has
// resolved are logged and dropped.
type Sink interface {
	// Redirect reports the URL the authorization server redirected to.
	Redirect(rawURL string)
	// Cancel reports that the user abandoned the authorization.
	Cancel()
}

// Presenter shows an authorize URL to the user.
type Presenter interface {
	// Present starts showing authorizeURL and reports back through sink.
	// It should return once presentation is under way; ctx is cancelled
	// when the attempt resolves.
	Present(ctx context.Context, authorizeURL string, sink Sink) error
	// Dismiss tears down whatever Present showed.
	Dismiss()
}

// CredentialStore persists the token of a successful attempt. Load returns
// nil, nil when nothing is stored.
type CredentialStore interface {
	Save(ctx context.Context, tok domain.TokenResult) error
	Load(ctx context.Context) (*domain.TokenResult, error)
	Clear(ctx context.Context) error
}

// Result is the outcome of one attempt: a token or an error, never both.
type Result struct {
	Token *domain.TokenResult
	Err   error
}

// Completion is called exactly once per started attempt.
type Completion func(Result)

// Policy decides what Start does while another attempt is in flight.
type Policy int

const (
	// RejectConcurrent fails the new Start with ErrAttemptInProgress.
	RejectConcurrent Policy = iota
	// SupersedePrior cancels the in-flight attempt with ErrSuperseded and
	// starts the new one.
	SupersedePrior
)

func (p Policy) String() string {
	switch p {
	case RejectConcurrent:
		return "reject"
	case SupersedePrior:
		return "supersede"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of an attempt.
type State int

const (
	StateIdle State = iota
	StateAwaitingRedirect
	StateExchangingToken
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRedirect:
		return "awaiting_redirect"
	case StateExchangingToken:
		return "exchanging_token"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}
