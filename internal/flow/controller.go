package flow

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BlackMission/authflow/internal/authorize"
	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/metrics"
	"github.com/BlackMission/authflow/internal/redirect"
	"github.com/BlackMission/authflow/internal/state"
	"github.com/BlackMission/authflow/internal/token"
)

// Options configures a Controller. The zero value rejects concurrent
// attempts, never times out and persists nothing.
type Options struct {
	Policy Policy
	// AttemptTimeout resolves an attempt still waiting for its redirect
	// with ErrAttemptExpired. Zero disables the timer.
	AttemptTimeout time.Duration
	Presenter      Presenter
	Store          CredentialStore
	// States signs attempt state values. Nil uses a random per-process key.
	States  *state.Service
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Controller runs authorization attempts for one FlowConfig. At most one
// attempt is in flight per Controller; separate Controllers are
// independent.
type Controller struct {
	cfg       *domain.FlowConfig
	exchanger *token.Exchanger
	validator *redirect.Validator
	states    *state.Service
	presenter Presenter
	store     CredentialStore
	policy    Policy
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	current *run
}

// New creates a Controller for cfg. cfg is referenced, not copied, and must
// not change while an attempt is in flight.
func New(cfg *domain.FlowConfig, exchanger *token.Exchanger, opts Options) *Controller {
	states := opts.States
	if states == nil {
		states = state.NewService(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		exchanger: exchanger,
		validator: redirect.NewValidator(states),
		states:    states,
		presenter: opts.Presenter,
		store:     opts.Store,
		policy:    opts.Policy,
		timeout:   opts.AttemptTimeout,
		logger:    logger.With(zap.String("grant", string(cfg.Grant))),
		metrics:   opts.Metrics,
	}
}

// State reports where the current attempt is, or StateIdle.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StateIdle
	}
	return c.current.currentState()
}

// Start begins an attempt and returns without waiting for it. done, if
// non-nil, is called exactly once from another goroutine when the attempt
// resolves. Cancelling ctx cancels the attempt.
//
// Start fails synchronously, without calling done, with ErrConfiguration
// when the config cannot produce a request and with ErrAttemptInProgress
// under RejectConcurrent while another attempt is in flight. An attempt
// that has resolved but not yet finished does not count as in flight; the
// new one presents after it has been dismissed.
func (c *Controller) Start(ctx context.Context, extra url.Values, done Completion) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior := c.current
	var after <-chan struct{}
	if prior != nil && prior.currentState() == StateResolved {
		// Resolved but possibly not yet dismissed.
		after = prior.finished
		prior = nil
	}
	if prior != nil && c.policy == RejectConcurrent {
		return nil, domain.NewError(domain.KindAttemptInProgress, nil, "attempt %s is %s", prior.attempt.ID, prior.currentState())
	}

	r, err := c.prepare(ctx, extra)
	if err != nil {
		return nil, err
	}
	r.done = done
	r.after = after

	if prior != nil {
		superseded := domain.NewError(domain.KindCancelled, domain.ErrSuperseded, "attempt %s superseded by %s", prior.attempt.ID, r.attempt.ID)
		if prior.claim(Result{Err: superseded}) {
			c.logger.Info("authorization attempt superseded", zap.String("attempt", prior.attempt.ID))
		}
		// The presenter is shared; the new attempt presents only after the
		// prior one has been dismissed.
		r.after = prior.finished
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	c.current = r
	c.logger.Info("authorization attempt started",
		zap.String("attempt", r.attempt.ID),
		zap.Stringer("state", r.state),
	)
	go r.loop()
	return &Handle{r: r}, nil
}

// Authorize runs one attempt and blocks until it resolves or ctx is done.
func (c *Controller) Authorize(ctx context.Context, extra url.Values) (*domain.TokenResult, error) {
	h, err := c.Start(ctx, extra, nil)
	if err != nil {
		return nil, err
	}
	<-h.Done()
	res := h.Result()
	return res.Token, res.Err
}

// Cancel resolves the in-flight attempt as cancelled. It reports whether
// there was one to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return false
	}
	return r.claim(Result{Err: domain.NewError(domain.KindCancelled, nil, "cancelled by caller")})
}

// prepare validates the config and builds the attempt without touching the
// current slot.
func (c *Controller) prepare(ctx context.Context, extra url.Values) (*run, error) {
	cfg := c.cfg
	if !cfg.Grant.Valid() {
		return nil, domain.NewError(domain.KindConfiguration, nil, "unknown grant type %q", cfg.Grant)
	}
	if c.exchanger == nil && cfg.Grant != domain.GrantImplicit {
		return nil, domain.NewError(domain.KindConfiguration, nil, "grant %q needs a token exchanger", cfg.Grant)
	}

	attempt, err := c.states.NewAttempt(cfg.Grant)
	if err != nil {
		return nil, domain.NewError(domain.KindConfiguration, err, "creating attempt")
	}
	r := &run{
		c:        c,
		attempt:  attempt,
		started:  time.Now(),
		events:   make(chan string, 4),
		finished: make(chan struct{}),
	}

	if cfg.Grant.Interactive() {
		if c.presenter == nil {
			return nil, domain.NewError(domain.KindConfiguration, nil, "grant %q needs a presenter", cfg.Grant)
		}
		u, err := authorize.BuildAuthorizeURL(cfg, attempt, extra)
		if err != nil {
			return nil, err
		}
		r.authorizeURL = u.String()
		r.state = StateAwaitingRedirect
		return r, nil
	}

	r.state = StateExchangingToken
	switch cfg.Grant {
	case domain.GrantClientCredentials:
		if _, err := authorize.BuildTokenRequestBody(cfg, authorize.TokenRequest{}); err != nil {
			return nil, err
		}
		r.exchange = func(ctx context.Context) (*domain.TokenResult, error) {
			return c.exchanger.ClientCredentials(ctx, cfg, nil)
		}
	case domain.GrantRefreshToken:
		refreshToken, err := c.storedRefreshToken(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := authorize.BuildTokenRequestBody(cfg, authorize.TokenRequest{RefreshToken: refreshToken}); err != nil {
			return nil, err
		}
		r.exchange = func(ctx context.Context) (*domain.TokenResult, error) {
			return c.exchanger.Refresh(ctx, cfg, refreshToken, nil)
		}
	}
	return r, nil
}

func (c *Controller) storedRefreshToken(ctx context.Context) (string, error) {
	if c.store == nil {
		return "", domain.NewError(domain.KindConfiguration, nil, "refresh grant needs a credential store")
	}
	tok, err := c.store.Load(ctx)
	if err != nil {
		return "", domain.NewError(domain.KindConfiguration, err, "loading stored credential")
	}
	if tok == nil || tok.RefreshToken == "" {
		return "", domain.NewError(domain.KindConfiguration, domain.ErrNoCredential, "no refresh token stored")
	}
	return tok.RefreshToken, nil
}

func (c *Controller) release(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == r {
		c.current = nil
	}
}

// Handle refers to one started attempt.
type Handle struct {
	r *run
}

// ID returns the attempt ID.
func (h *Handle) ID() string { return h.r.attempt.ID }

// AuthorizeURL returns the URL handed to the presenter, or "" for
// non-interactive grants.
func (h *Handle) AuthorizeURL() string { return h.r.authorizeURL }

// Done is closed after the completion callback has returned.
func (h *Handle) Done() <-chan struct{} { return h.r.finished }

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *Handle) Result() Result {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.r.result
}

// Cancel resolves this attempt as cancelled if it is still in flight.
func (h *Handle) Cancel() bool {
	return h.r.claim(Result{Err: domain.NewError(domain.KindCancelled, nil, "cancelled by caller")})
}

// run is the state of one attempt. claim is the only way into
// StateResolved; finish runs the side effects once, on the loop goroutine.
type run struct {
	c            *Controller
	attempt      *domain.Attempt
	authorizeURL string
	exchange     func(context.Context) (*domain.TokenResult, error)
	done         Completion
	after        <-chan struct{}
	started      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan string

	mu        sync.Mutex
	state     State
	result    Result
	presented bool
	finished  chan struct{}
}

func (r *run) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// claim resolves the attempt with res unless it already resolved. The
// first caller wins; the attempt context is cancelled so in-flight work
// stops.
func (r *run) claim(res Result) bool {
	r.mu.Lock()
	if r.state == StateResolved {
		r.mu.Unlock()
		return false
	}
	r.state = StateResolved
	r.result = res
	r.mu.Unlock()
	r.cancel()
	return true
}

// advance moves from one live state to another.
func (r *run) advance(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

func (r *run) dropped(signal string) {
	r.c.metrics.DroppedSignal(signal)
	r.c.logger.Debug("dropping signal for resolved attempt",
		zap.String("attempt", r.attempt.ID),
		zap.String("signal", signal),
	)
}

func (r *run) loop() {
	defer r.finish()

	if r.after != nil {
		select {
		case <-r.after:
		case <-r.ctx.Done():
			r.claim(Result{Err: domain.NewError(domain.KindCancelled, r.ctx.Err(), "attempt context done")})
			return
		}
	}

	// Cancelled before any work started: nothing is presented or sent.
	if err := r.ctx.Err(); err != nil {
		r.claim(Result{Err: domain.NewError(domain.KindCancelled, err, "attempt context done")})
		return
	}

	if r.exchange != nil {
		r.complete(r.exchange(r.ctx))
		return
	}

	if err := r.c.presenter.Present(r.ctx, r.authorizeURL, sink{r}); err != nil {
		r.claim(Result{Err: domain.NewError(domain.KindPresentation, err, "presenting authorize URL")})
		return
	}
	r.mu.Lock()
	r.presented = true
	r.mu.Unlock()

	var expired <-chan time.Time
	if r.c.timeout > 0 {
		timer := time.NewTimer(r.c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case raw := <-r.events:
		r.handleRedirect(raw)
	case <-r.ctx.Done():
		r.claim(Result{Err: domain.NewError(domain.KindCancelled, r.ctx.Err(), "attempt context done")})
	case <-expired:
		r.claim(Result{Err: domain.NewError(domain.KindAttemptExpired, nil, "no redirect within %s", r.c.timeout)})
	}
}

func (r *run) handleRedirect(raw string) {
	outcome := r.c.validator.Validate(raw, r.attempt, r.c.cfg)
	r.c.logger.Debug("redirect received",
		zap.String("attempt", r.attempt.ID),
		zap.Stringer("outcome", outcome.Kind),
	)

	switch outcome.Kind {
	case domain.OutcomeImplicitToken:
		if !r.claim(Result{Token: outcome.Token}) {
			r.dropped("redirect")
		}
	case domain.OutcomeCode:
		if !r.advance(StateAwaitingRedirect, StateExchangingToken) {
			r.dropped("redirect")
			return
		}
		r.complete(r.c.exchanger.ExchangeCode(r.ctx, r.c.cfg, outcome.Code, r.attempt.CodeVerifier))
	case domain.OutcomeCancelled:
		if !r.claim(Result{Err: domain.NewError(domain.KindCancelled, nil, "cancelled at the authorization server")}) {
			r.dropped("redirect")
		}
	default:
		if !r.claim(Result{Err: outcome.Err}) {
			r.dropped("redirect")
		}
	}
}

func (r *run) complete(tok *domain.TokenResult, err error) {
	res := Result{Token: tok, Err: err}
	if err != nil {
		res.Token = nil
	}
	if !r.claim(res) {
		r.dropped("exchange")
	}
}

// finish performs the resolution side effects exactly once.
func (r *run) finish() {
	r.mu.Lock()
	res := r.result
	presented := r.presented
	r.mu.Unlock()

drain:
	for {
		select {
		case <-r.events:
			r.dropped("redirect")
		default:
			break drain
		}
	}

	c := r.c
	log := c.logger.With(zap.String("attempt", r.attempt.ID))
	outcome := outcomeLabel(res)

	if res.Err == nil && c.store != nil {
		if err := c.store.Save(context.WithoutCancel(r.ctx), *res.Token); err != nil {
			log.Warn("saving credential failed", zap.Error(err))
		}
	}
	if presented {
		c.presenter.Dismiss()
	}
	c.release(r)
	c.metrics.ObserveAttempt(string(c.cfg.Grant), outcome, time.Since(r.started))

	if res.Err != nil {
		log.Info("authorization attempt resolved", zap.String("outcome", outcome), zap.Error(res.Err))
	} else {
		log.Info("authorization attempt resolved", zap.String("outcome", outcome))
	}

	if r.done != nil {
		r.done(res)
	}
	close(r.finished)
}

func outcomeLabel(res Result) string {
	switch {
	case res.Err == nil:
		return "success"
	case errors.Is(res.Err, domain.ErrCancelled):
		return "cancelled"
	default:
		return "failure"
	}
}

// sink is the Sink handed to the presenter for one attempt.
type sink struct {
	r *run
}

func (s sink) Redirect(rawURL string) {
	r := s.r
	r.mu.Lock()
	if r.state != StateAwaitingRedirect {
		r.mu.Unlock()
		r.dropped("redirect")
		return
	}
	select {
	case r.events <- rawURL:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.dropped("redirect")
	}
}

func (s sink) Cancel() {
	if !s.r.claim(Result{Err: domain.NewError(domain.KindCancelled, nil, "cancelled by user")}) {
		s.r.dropped("cancel")
	}
}
