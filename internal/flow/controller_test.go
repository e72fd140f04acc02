package flow

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/oauth2"

	"github.com/BlackMission/authflow/internal/credstore"
	"github.com/BlackMission/authflow/internal/domain"
	"github.com/BlackMission/authflow/internal/state"
	"github.com/BlackMission/authflow/internal/token"
	tu "github.com/BlackMission/authflow/pkg/testutil"
)

const waitTimeout = 5 * time.Second

// fakePresenter records presentations and hands their sinks to the test.
type fakePresenter struct {
	err       error
	sinks     chan Sink
	urls      chan string
	dismissed atomic.Int32
}

func newFakePresenter() *fakePresenter {
	return &fakePresenter{sinks: make(chan Sink, 8), urls: make(chan string, 8)}
}

func (p *fakePresenter) Present(ctx context.Context, authorizeURL string, sink Sink) error {
	if p.err != nil {
		return p.err
	}
	p.urls <- authorizeURL
	p.sinks <- sink
	return nil
}

func (p *fakePresenter) Dismiss() {
	p.dismissed.Add(1)
}

func (p *fakePresenter) nextSink(t *testing.T) Sink {
	t.Helper()
	select {
	case s := <-p.sinks:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("presenter was never invoked")
		return nil
	}
}

type fixture struct {
	ctrl      *Controller
	cfg       *domain.FlowConfig
	server    *tu.TokenServer
	presenter *fakePresenter
	store     *credstore.Memory
	logs      *observer.ObservedLogs
}

func newFixture(t *testing.T, grant domain.GrantType, handler http.HandlerFunc, mutate func(*Options)) *fixture {
	t.Helper()
	server := tu.NewTokenServer(t, handler)
	cfg := &domain.FlowConfig{
		Grant:             grant,
		ClientID:          "client-123",
		AuthorizeEndpoint: server.URL + "/authorize",
		TokenEndpoint:     server.TokenURL(),
		RedirectURI:       "https://app.example/cb",
		Scopes:            []string{"openid"},
	}
	core, logs := observer.New(zap.DebugLevel)
	presenter := newFakePresenter()
	store := credstore.NewMemory()
	opts := Options{
		Presenter: presenter,
		Store:     store,
		States:    state.NewService([]byte("flow-test-key")),
		Logger:    zap.New(core),
	}
	if mutate != nil {
		mutate(&opts)
	}
	exchanger := token.NewExchanger(token.NewHTTPTransport(server.Client()), opts.Logger)
	return &fixture{
		ctrl:      New(cfg, exchanger, opts),
		cfg:       cfg,
		server:    server,
		presenter: presenter,
		store:     store,
		logs:      logs,
	}
}

// recorder collects completion callbacks.
type recorder struct {
	calls   atomic.Int32
	results chan Result
}

func newRecorder() *recorder {
	return &recorder{results: make(chan Result, 8)}
}

func (r *recorder) done(res Result) {
	r.calls.Add(1)
	r.results <- res
}

func (r *recorder) wait(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("completion was never called")
		return Result{}
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(waitTimeout):
		t.Fatal("attempt never finished")
	}
}

func stateOf(t *testing.T, h *Handle) string {
	t.Helper()
	u, err := url.Parse(h.AuthorizeURL())
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	st := u.Query().Get("state")
	if len(st) < 8 {
		t.Fatalf("expected state of at least 8 chars, got %q", st)
	}
	return st
}

func codeRedirect(code, st string) string {
	return "https://app.example/cb?" + url.Values{"code": {code}, "state": {st}}.Encode()
}

func droppedCount(logs *observer.ObservedLogs, signal string) int {
	return logs.FilterMessage("dropping signal for resolved attempt").
		FilterField(zap.String("signal", signal)).Len()
}

func TestAuthorizationCodeSuccess(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sink := f.presenter.nextSink(t)
	if got := f.ctrl.State(); got != StateAwaitingRedirect {
		t.Errorf("expected state awaiting_redirect, got %s", got)
	}

	sink.Redirect(codeRedirect("ABC", stateOf(t, h)))

	res := rec.wait(t)
	waitDone(t, h)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Token.AccessToken != "T" {
		t.Errorf("expected access token 'T', got %q", res.Token.AccessToken)
	}
	if res.Token.IsExpired() {
		t.Error("token with expires_in=3600 should not be expired")
	}

	reqs := f.server.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 token request, got %d", len(reqs))
	}
	if got := reqs[0].Form.Get("grant_type"); got != "authorization_code" {
		t.Errorf("expected grant_type authorization_code, got %q", got)
	}
	if got := reqs[0].Form.Get("code"); got != "ABC" {
		t.Errorf("expected code ABC, got %q", got)
	}

	if got := f.presenter.dismissed.Load(); got != 1 {
		t.Errorf("expected presenter dismissed once, got %d", got)
	}
	saved, _ := f.store.Load(context.Background())
	if saved == nil || saved.AccessToken != "T" {
		t.Errorf("expected token persisted, got %+v", saved)
	}
	if got := f.ctrl.State(); got != StateIdle {
		t.Errorf("expected idle after resolution, got %s", got)
	}
}

func TestAccessDeniedSkipsExchange(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sink := f.presenter.nextSink(t)
	sink.Redirect("https://app.example/cb?error=access_denied&state=" + url.QueryEscape(stateOf(t, h)))

	res := rec.wait(t)
	if !errors.Is(res.Err, domain.ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", res.Err)
	}
	if got := domain.KindOf(res.Err); got != domain.KindAccessDenied {
		t.Errorf("expected kind access_denied, got %q", got)
	}
	if res.Token != nil {
		t.Error("expected no token on failure")
	}
	if n := len(f.server.Requests()); n != 0 {
		t.Errorf("expected no token requests, got %d", n)
	}
}

func TestStateMismatchSkipsExchange(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	rec := newRecorder()

	if _, err := f.ctrl.Start(context.Background(), nil, rec.done); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sink := f.presenter.nextSink(t)
	sink.Redirect(codeRedirect("ABC", "S2"))

	res := rec.wait(t)
	if !errors.Is(res.Err, domain.ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", res.Err)
	}
	if n := len(f.server.Requests()); n != 0 {
		t.Errorf("expected no token requests, got %d", n)
	}
	saved, _ := f.store.Load(context.Background())
	if saved != nil {
		t.Error("expected nothing persisted on failure")
	}
}

func TestConcurrentStartRejected(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sink := f.presenter.nextSink(t)

	second := newRecorder()
	_, err = f.ctrl.Start(context.Background(), nil, second.done)
	if !errors.Is(err, domain.ErrAttemptInProgress) {
		t.Fatalf("expected ErrAttemptInProgress, got %v", err)
	}
	if got := domain.KindOf(err); got != domain.KindAttemptInProgress {
		t.Errorf("expected kind attempt_already_in_progress, got %q", got)
	}

	// The first attempt is unaffected.
	sink.Redirect(codeRedirect("ABC", stateOf(t, h)))
	if res := rec.wait(t); res.Err != nil {
		t.Fatalf("expected first attempt to succeed, got %v", res.Err)
	}
	waitDone(t, h)
	if got := second.calls.Load(); got != 0 {
		t.Errorf("rejected Start must not call its completion, got %d calls", got)
	}

	// The slot is free again.
	h2, err := f.ctrl.Start(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Start after resolution error: %v", err)
	}
	h2.Cancel()
	waitDone(t, h2)
}

// exclusivePresenter fails when a presentation overlaps one that has not
// been dismissed, the way a loopback receiver fails to bind a held port.
// The first Present blocks until gate is closed.
type exclusivePresenter struct {
	gate    chan struct{}
	entered chan struct{}
	sinks   chan Sink

	mu         sync.Mutex
	calls      int
	presenting bool
	showing    bool
}

func newExclusivePresenter() *exclusivePresenter {
	return &exclusivePresenter{
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
		sinks:   make(chan Sink, 8),
	}
}

func (p *exclusivePresenter) Present(ctx context.Context, authorizeURL string, sink Sink) error {
	p.mu.Lock()
	if p.presenting || p.showing {
		p.mu.Unlock()
		return errors.New("previous presentation still showing")
	}
	p.presenting = true
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		close(p.entered)
		<-p.gate
	}

	p.mu.Lock()
	p.presenting = false
	p.showing = true
	p.mu.Unlock()
	p.sinks <- sink
	return nil
}

func (p *exclusivePresenter) Dismiss() {
	p.mu.Lock()
	p.showing = false
	p.mu.Unlock()
}

func (p *exclusivePresenter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRestartAfterCancelWaitsForDismiss(t *testing.T) {
	presenter := newExclusivePresenter()
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), func(o *Options) {
		o.Presenter = presenter
	})

	first := newRecorder()
	h1, err := f.ctrl.Start(context.Background(), nil, first.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	select {
	case <-presenter.entered:
	case <-time.After(waitTimeout):
		t.Fatal("presenter was never invoked")
	}
	if !h1.Cancel() {
		t.Fatal("expected Cancel to resolve the first attempt")
	}

	// The first attempt is resolved while its presentation is still up.
	second := newRecorder()
	h2, err := f.ctrl.Start(context.Background(), nil, second.done)
	if err != nil {
		t.Fatalf("Start after cancel error: %v", err)
	}
	close(presenter.gate)

	if res := first.wait(t); !errors.Is(res.Err, domain.ErrCancelled) {
		t.Fatalf("expected first attempt cancelled, got %v", res.Err)
	}
	waitDone(t, h1)

	var sink Sink
	for range 2 {
		select {
		case sink = <-presenter.sinks:
		case <-time.After(waitTimeout):
			t.Fatal("second attempt was never presented")
		}
	}
	sink.Redirect(codeRedirect("ABC", stateOf(t, h2)))

	res := second.wait(t)
	waitDone(t, h2)
	if res.Err != nil {
		t.Fatalf("expected restarted attempt to succeed, got %v", res.Err)
	}
	if got := presenter.callCount(); got != 2 {
		t.Errorf("expected 2 presentations, got %d", got)
	}
}

func TestCancelWhileWaitingForPriorDismiss(t *testing.T) {
	presenter := newExclusivePresenter()
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), func(o *Options) {
		o.Presenter = presenter
	})

	h1, err := f.ctrl.Start(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	<-presenter.entered
	h1.Cancel()

	h2, err := f.ctrl.Start(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Start after cancel error: %v", err)
	}
	h2.Cancel()
	close(presenter.gate)
	waitDone(t, h1)
	waitDone(t, h2)

	if !errors.Is(h2.Result().Err, domain.ErrCancelled) {
		t.Errorf("expected second attempt cancelled, got %v", h2.Result().Err)
	}
	if got := presenter.callCount(); got != 1 {
		t.Errorf("expected the cancelled attempt never presented, got %d presentations", got)
	}
}

func TestCancelledContextSkipsPresentation(t *testing.T) {
	f := newFixture(t, domain.GrantPKCE, tu.TokenResponse("T", 3600), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newRecorder()
	h, err := f.ctrl.Start(ctx, nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	res := rec.wait(t)
	waitDone(t, h)

	if !errors.Is(res.Err, domain.ErrCancelled) || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation wrapping context.Canceled, got %v", res.Err)
	}
	if n := len(f.presenter.urls); n != 0 {
		t.Errorf("expected presenter never invoked, got %d presentations", n)
	}
	if got := f.presenter.dismissed.Load(); got != 0 {
		t.Errorf("expected no dismiss for an unpresented attempt, got %d", got)
	}
}

func TestCancelledContextSkipsExchange(t *testing.T) {
	f := newFixture(t, domain.GrantClientCredentials, tu.TokenResponse("T", 3600), nil)
	f.cfg.ClientSecret = "s3cret"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := f.ctrl.Start(ctx, nil, nil)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	waitDone(t, h)

	if !errors.Is(h.Result().Err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", h.Result().Err)
	}
	if n := len(f.server.Requests()); n != 0 {
		t.Errorf("expected no token requests, got %d", n)
	}
}

func TestConcurrentStartSupersedes(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), func(o *Options) {
		o.Policy = SupersedePrior
	})
	first := newRecorder()

	h1, err := f.ctrl.Start(context.Background(), nil, first.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sink1 := f.presenter.nextSink(t)

	second := newRecorder()
	h2, err := f.ctrl.Start(context.Background(), nil, second.done)
	if err != nil {
		t.Fatalf("superseding Start error: %v", err)
	}

	res1 := first.wait(t)
	if !errors.Is(res1.Err, domain.ErrSuperseded) || !errors.Is(res1.Err, domain.ErrCancelled) {
		t.Fatalf("expected superseded cancellation, got %v", res1.Err)
	}
	waitDone(t, h1)

	sink2 := f.presenter.nextSink(t)
	if got := f.presenter.dismissed.Load(); got != 1 {
		t.Errorf("expected prior presentation dismissed before the next one, got %d", got)
	}

	// A late redirect for the superseded attempt is dropped.
	sink1.Redirect(codeRedirect("OLD", stateOf(t, h1)))
	if got := droppedCount(f.logs, "redirect"); got != 1 {
		t.Errorf("expected 1 dropped redirect logged, got %d", got)
	}

	sink2.Redirect(codeRedirect("NEW", stateOf(t, h2)))
	if res2 := second.wait(t); res2.Err != nil {
		t.Fatalf("expected second attempt to succeed, got %v", res2.Err)
	}
	waitDone(t, h2)

	reqs := f.server.Requests()
	if len(reqs) != 1 || reqs[0].Form.Get("code") != "NEW" {
		t.Errorf("expected exactly one exchange for code NEW, got %d requests", len(reqs))
	}
	if got := first.calls.Load(); got != 1 {
		t.Errorf("expected first completion exactly once, got %d", got)
	}
}

func TestCancelFromPresenter(t *testing.T) {
	f := newFixture(t, domain.GrantPKCE, tu.TokenResponse("T", 3600), nil)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	sink := f.presenter.nextSink(t)
	sink.Cancel()

	res := rec.wait(t)
	waitDone(t, h)
	if !errors.Is(res.Err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", res.Err)
	}

	sink.Cancel()
	sink.Redirect(codeRedirect("ABC", stateOf(t, h)))
	if got := droppedCount(f.logs, "cancel"); got != 1 {
		t.Errorf("expected 1 dropped cancel logged, got %d", got)
	}
	if got := droppedCount(f.logs, "redirect"); got != 1 {
		t.Errorf("expected 1 dropped redirect logged, got %d", got)
	}
	if got := rec.calls.Load(); got != 1 {
		t.Errorf("expected exactly one completion, got %d", got)
	}
	if n := len(f.server.Requests()); n != 0 {
		t.Errorf("expected no token requests, got %d", n)
	}
}

func TestCancelDuringExchange(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, domain.GrantAuthorizationCode, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-release:
		case <-r.Context().Done():
		}
		tu.TokenResponse("late", 3600)(w, r)
	}, nil)
	defer close(release)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	f.presenter.nextSink(t).Redirect(codeRedirect("ABC", stateOf(t, h)))

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("exchange never started")
	}
	if got := f.ctrl.State(); got != StateExchangingToken {
		t.Errorf("expected state exchanging_token, got %s", got)
	}
	if !f.ctrl.Cancel() {
		t.Fatal("expected Cancel to resolve the attempt")
	}

	res := rec.wait(t)
	waitDone(t, h)
	if !errors.Is(res.Err, domain.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", res.Err)
	}
	if got := droppedCount(f.logs, "exchange"); got != 1 {
		t.Errorf("expected late exchange completion dropped and logged, got %d", got)
	}
	saved, _ := f.store.Load(context.Background())
	if saved != nil {
		t.Error("cancelled attempt must not persist a token")
	}
	if f.ctrl.Cancel() {
		t.Error("second Cancel should report nothing to cancel")
	}
}

func TestAtMostOnceCompletion(t *testing.T) {
	for i := range 50 {
		f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
		rec := newRecorder()

		h, err := f.ctrl.Start(context.Background(), nil, rec.done)
		if err != nil {
			t.Fatalf("iteration %d: Start error: %v", i, err)
		}
		sink := f.presenter.nextSink(t)
		valid := codeRedirect("ABC", stateOf(t, h))

		events := []func(){
			func() { sink.Redirect(valid) },
			func() { sink.Redirect(codeRedirect("ABC", "forged")) },
			func() { sink.Redirect("https://app.example/cb?error=server_error") },
			func() { sink.Cancel() },
			func() { f.ctrl.Cancel() },
			func() { h.Cancel() },
		}
		var wg sync.WaitGroup
		for range 12 {
			ev := events[rand.IntN(len(events))]
			wg.Add(1)
			go func() {
				defer wg.Done()
				ev()
			}()
		}
		wg.Wait()
		waitDone(t, h)

		// Signals after resolution must not complete again.
		for _, ev := range events {
			ev()
		}
		if got := rec.calls.Load(); got != 1 {
			t.Fatalf("iteration %d: expected exactly one completion, got %d", i, got)
		}
	}
}

func TestImplicitGrant(t *testing.T) {
	f := newFixture(t, domain.GrantImplicit, tu.TokenResponse("unused", 3600), nil)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	u, _ := url.Parse(h.AuthorizeURL())
	if got := u.Query().Get("response_type"); got != "token" {
		t.Errorf("expected response_type token, got %q", got)
	}

	frag := url.Values{"access_token": {"IMP"}, "token_type": {"Bearer"}, "expires_in": {"60"}, "state": {stateOf(t, h)}}
	f.presenter.nextSink(t).Redirect("https://app.example/cb#" + frag.Encode())

	res := rec.wait(t)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Token.AccessToken != "IMP" {
		t.Errorf("expected implicit token, got %q", res.Token.AccessToken)
	}
	if n := len(f.server.Requests()); n != 0 {
		t.Errorf("implicit grant must not call the token endpoint, got %d requests", n)
	}
}

func TestPKCESendsVerifier(t *testing.T) {
	f := newFixture(t, domain.GrantPKCE, tu.TokenResponse("T", 3600), nil)

	h, err := f.ctrl.Start(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	u, _ := url.Parse(h.AuthorizeURL())
	challenge := u.Query().Get("code_challenge")
	if challenge == "" || u.Query().Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge in %s", h.AuthorizeURL())
	}

	f.presenter.nextSink(t).Redirect(codeRedirect("ABC", stateOf(t, h)))
	waitDone(t, h)
	if err := h.Result().Err; err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	verifier := f.server.Requests()[0].Form.Get("code_verifier")
	if verifier == "" {
		t.Fatal("expected code_verifier in token request")
	}
	if got := oauth2.S256ChallengeFromVerifier(verifier); got != challenge {
		t.Errorf("verifier does not match challenge: %q vs %q", got, challenge)
	}
}

func TestClientCredentialsSkipsPresenter(t *testing.T) {
	f := newFixture(t, domain.GrantClientCredentials, tu.TokenResponse("svc", 3600), nil)
	f.cfg.ClientSecret = "s3cret"

	tok, err := f.ctrl.Authorize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if tok.AccessToken != "svc" {
		t.Errorf("expected access token svc, got %q", tok.AccessToken)
	}
	select {
	case <-f.presenter.urls:
		t.Error("presenter must not be used for client_credentials")
	default:
	}
	if got := f.presenter.dismissed.Load(); got != 0 {
		t.Errorf("expected no dismiss, got %d", got)
	}
}

func TestRefreshGrantUsesStore(t *testing.T) {
	f := newFixture(t, domain.GrantRefreshToken, tu.TokenResponse("T2", 3600), nil)
	f.store.Save(context.Background(), domain.TokenResult{AccessToken: "T1", RefreshToken: "R1"})

	tok, err := f.ctrl.Authorize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Authorize error: %v", err)
	}
	if tok.AccessToken != "T2" || tok.RefreshToken != "R1" {
		t.Errorf("expected T2 with kept refresh token, got %+v", tok)
	}
	if got := f.server.Requests()[0].Form.Get("refresh_token"); got != "R1" {
		t.Errorf("expected refresh_token R1 sent, got %q", got)
	}
	saved, _ := f.store.Load(context.Background())
	if saved.AccessToken != "T2" {
		t.Errorf("expected refreshed token persisted, got %q", saved.AccessToken)
	}
}

func TestRefreshGrantWithoutStoredToken(t *testing.T) {
	f := newFixture(t, domain.GrantRefreshToken, tu.TokenResponse("T2", 3600), nil)
	rec := newRecorder()

	_, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if !errors.Is(err, domain.ErrConfiguration) || !errors.Is(err, domain.ErrNoCredential) {
		t.Fatalf("expected configuration error for missing refresh token, got %v", err)
	}
	if got := rec.calls.Load(); got != 0 {
		t.Errorf("expected no completion, got %d", got)
	}
}

func TestConfigurationErrorIsSynchronous(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.FlowConfig)
	}{
		{"empty redirect", func(c *domain.FlowConfig) { c.RedirectURI = "" }},
		{"relative endpoint", func(c *domain.FlowConfig) { c.AuthorizeEndpoint = "/authorize" }},
		{"bad scope", func(c *domain.FlowConfig) { c.Scopes = []string{"a b"} }},
		{"unknown grant", func(c *domain.FlowConfig) { c.Grant = "device_code" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
			tt.mutate(f.cfg)
			rec := newRecorder()

			h, err := f.ctrl.Start(context.Background(), nil, rec.done)
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			if h != nil {
				t.Error("expected no handle")
			}
			if got := f.ctrl.State(); got != StateIdle {
				t.Errorf("expected idle, got %s", got)
			}
			if got := rec.calls.Load(); got != 0 {
				t.Errorf("expected no completion, got %d", got)
			}
		})
	}
}

func TestPresenterFailure(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	f.presenter.err = errors.New("no display")

	_, err := f.ctrl.Authorize(context.Background(), nil)
	if !errors.Is(err, domain.ErrPresentation) {
		t.Fatalf("expected ErrPresentation, got %v", err)
	}
	if got := f.presenter.dismissed.Load(); got != 0 {
		t.Errorf("failed presentation must not be dismissed, got %d", got)
	}
}

func TestAttemptTimeout(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), func(o *Options) {
		o.AttemptTimeout = 20 * time.Millisecond
	})

	_, err := f.ctrl.Authorize(context.Background(), nil)
	if !errors.Is(err, domain.ErrAttemptExpired) {
		t.Fatalf("expected ErrAttemptExpired, got %v", err)
	}
	if got := f.presenter.dismissed.Load(); got != 1 {
		t.Errorf("expected dismiss on timeout, got %d", got)
	}
}

func TestContextCancellation(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Authorize(ctx, nil)
		errs <- err
	}()
	f.presenter.nextSink(t)
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, domain.ErrCancelled) || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation wrapping context.Canceled, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Authorize did not return after cancellation")
	}
}

func TestTokenEndpointFailure(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.ErrorResponse(http.StatusBadRequest, "invalid_grant", "used"), nil)
	rec := newRecorder()

	h, err := f.ctrl.Start(context.Background(), nil, rec.done)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	f.presenter.nextSink(t).Redirect(codeRedirect("ABC", stateOf(t, h)))

	res := rec.wait(t)
	var oerr *domain.OAuthError
	if !errors.As(res.Err, &oerr) || oerr.Kind != domain.KindTokenEndpoint || oerr.Status != http.StatusBadRequest {
		t.Fatalf("expected token endpoint error 400, got %v", res.Err)
	}
}

func TestCompletionMayStartNextAttempt(t *testing.T) {
	f := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("T", 3600), nil)
	next := make(chan error, 1)

	h, err := f.ctrl.Start(context.Background(), nil, func(Result) {
		h2, err := f.ctrl.Start(context.Background(), nil, nil)
		if err == nil {
			h2.Cancel()
		}
		next <- err
	})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	f.presenter.nextSink(t).Cancel()
	waitDone(t, h)

	if err := <-next; err != nil {
		t.Errorf("expected Start from completion to succeed, got %v", err)
	}
}

func TestControllersAreIndependent(t *testing.T) {
	a := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("A", 3600), nil)
	b := newFixture(t, domain.GrantAuthorizationCode, tu.TokenResponse("B", 3600), nil)

	ha, err := a.ctrl.Start(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Start a error: %v", err)
	}
	hb, err := b.ctrl.Start(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Start b error: %v", err)
	}

	// A state from one controller is rejected by the other.
	a.presenter.nextSink(t).Redirect(codeRedirect("X", stateOf(t, hb)))
	b.presenter.nextSink(t).Redirect(codeRedirect("Y", stateOf(t, hb)))
	waitDone(t, ha)
	waitDone(t, hb)

	if !errors.Is(ha.Result().Err, domain.ErrStateMismatch) {
		t.Errorf("expected state mismatch on a, got %v", ha.Result().Err)
	}
	if res := hb.Result(); res.Err != nil || res.Token.AccessToken != "B" {
		t.Errorf("expected b to succeed with token B, got %+v", res)
	}
}
