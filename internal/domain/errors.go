package domain

import (
	"errors"
	"fmt"
)

var (
	// Flow errors
	ErrConfiguration          = errors.New("configuration error")
	ErrInvalidRedirect        = errors.New("invalid redirect")
	ErrStateMismatch          = errors.New("state mismatch")
	ErrMissingCode            = errors.New("missing authorization code")
	ErrTokenEndpoint          = errors.New("token endpoint error")
	ErrTransport              = errors.New("transport error")
	ErrMalformedTokenResponse = errors.New("malformed token response")
	ErrAttemptInProgress      = errors.New("authorization attempt already in progress")
	ErrCancelled              = errors.New("authorization cancelled")
	ErrSuperseded             = errors.New("authorization superseded by a newer attempt")
	ErrAttemptExpired         = errors.New("authorization attempt expired")
	ErrPresentation           = errors.New("presentation failed")

	// Authorization server errors (RFC 6749 section 4.1.2.1)
	ErrAuthorizationDenied = errors.New("authorization server returned an error")

	// State token errors
	ErrInvalidState   = errors.New("invalid state token")
	ErrExpiredState   = errors.New("expired state token")
	ErrMalformedState = errors.New("malformed state token")

	// Storage errors
	ErrSealedData   = errors.New("cannot open sealed credential")
	ErrNoCredential = errors.New("no stored credential")

	// Provider preset errors
	ErrProviderNotFound  = errors.New("provider not found")
	ErrDuplicateProvider = errors.New("duplicate provider registration")
	ErrDiscovery         = errors.New("provider discovery failed")
	ErrUserInfo          = errors.New("fetching user info failed")

	// Config errors
	ErrMissingConfig = errors.New("missing required configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorKind classifies an OAuthError.
type ErrorKind string

const (
	KindConfiguration          ErrorKind = "configuration_error"
	KindInvalidRedirect        ErrorKind = "invalid_redirect"
	KindStateMismatch          ErrorKind = "state_mismatch"
	KindMissingCode            ErrorKind = "missing_code"
	KindTokenEndpoint          ErrorKind = "token_endpoint_error"
	KindTransport              ErrorKind = "transport_error"
	KindMalformedTokenResponse ErrorKind = "malformed_token_response"
	KindAttemptInProgress      ErrorKind = "attempt_already_in_progress"
	KindCancelled              ErrorKind = "cancelled"
	KindAttemptExpired         ErrorKind = "attempt_expired"
	KindPresentation           ErrorKind = "presentation_error"

	KindAccessDenied            ErrorKind = "access_denied"
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindUnauthorizedClient      ErrorKind = "unauthorized_client"
	KindUnsupportedResponseType ErrorKind = "unsupported_response_type"
	KindInvalidScope            ErrorKind = "invalid_scope"
	KindServerError             ErrorKind = "server_error"
	KindTemporarilyUnavailable  ErrorKind = "temporarily_unavailable"
	KindAuthorizationError      ErrorKind = "authorization_error"
)

var kindSentinels = map[ErrorKind]error{
	KindConfiguration:          ErrConfiguration,
	KindInvalidRedirect:        ErrInvalidRedirect,
	KindStateMismatch:          ErrStateMismatch,
	KindMissingCode:            ErrMissingCode,
	KindTokenEndpoint:          ErrTokenEndpoint,
	KindTransport:              ErrTransport,
	KindMalformedTokenResponse: ErrMalformedTokenResponse,
	KindAttemptInProgress:      ErrAttemptInProgress,
	KindCancelled:              ErrCancelled,
	KindAttemptExpired:         ErrAttemptExpired,
	KindPresentation:           ErrPresentation,

	KindAccessDenied:            ErrAuthorizationDenied,
	KindInvalidRequest:          ErrAuthorizationDenied,
	KindUnauthorizedClient:      ErrAuthorizationDenied,
	KindUnsupportedResponseType: ErrAuthorizationDenied,
	KindInvalidScope:            ErrAuthorizationDenied,
	KindServerError:             ErrAuthorizationDenied,
	KindTemporarilyUnavailable:  ErrAuthorizationDenied,
	KindAuthorizationError:      ErrAuthorizationDenied,
}

// MapErrorCode maps an RFC 6749 authorization error code to an ErrorKind.
// Unknown codes map to KindAuthorizationError; the raw code is kept on the
// OAuthError.
func MapErrorCode(code string) ErrorKind {
	switch ErrorKind(code) {
	case KindAccessDenied, KindInvalidRequest, KindUnauthorizedClient, KindUnsupportedResponseType,
		KindInvalidScope, KindServerError, KindTemporarilyUnavailable:
		return ErrorKind(code)
	}
	return KindAuthorizationError
}

// OAuthError is the single error type surfaced by a flow. errors.Is matches
// it against the sentinel for its Kind and against the wrapped cause.
type OAuthError struct {
	Kind        ErrorKind
	Code        string // raw "error" value from the server, if any
	Description string
	URI         string
	Status      int    // HTTP status for token endpoint errors
	Body        []byte // raw token endpoint body for non-2xx responses
	Err         error
}

func (e *OAuthError) Error() string {
	msg := string(e.Kind)
	if e.Code != "" && e.Code != string(e.Kind) {
		msg += " (" + e.Code + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status %d", e.Status)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "oauth: " + msg
}

func (e *OAuthError) Unwrap() []error {
	var errs []error
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an OAuthError of the given kind wrapping cause.
func NewError(kind ErrorKind, cause error, format string, args ...any) *OAuthError {
	return &OAuthError{Kind: kind, Description: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the ErrorKind of err, or "" if err is not an OAuthError.
func KindOf(err error) ErrorKind {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}
