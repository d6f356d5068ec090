package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// errStale marks work abandoned because a newer attempt or Stop superseded it.
var errStale = errors.New("superseded attempt")

// Transition is emitted for every state change.
type Transition struct {
	SessionID string                 `json:"session_id"`
	From      domain.Phase           `json:"from"`
	State     domain.ResolutionState `json:"state"`
	IsLoading bool                   `json:"is_loading"`
}

// TransitionSink receives transitions for diagnostics. Publish is called
// with the session lock held and must not block.
type TransitionSink interface {
	Publish(ctx context.Context, t Transition) error
}

// Options tunes a Session. Zero timeouts disable the corresponding deadline.
//
// LocateTimeout bounds the whole acquisition: the last-known lookup, the
// subscription request and the wait for a live fix. GeocodeTimeout bounds the
// reverse geocoding call. A collaborator that ignores cancellation is
// abandoned at the deadline and its late result is dropped; Wait still joins
// the call once it returns.
type Options struct {
	Request        domain.LocationRequest
	LocateTimeout  time.Duration
	GeocodeTimeout time.Duration
	Clock          clockwork.Clock
	Sink           TransitionSink
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// Session runs location-to-arrondissement resolution attempts, one at a time.
type Session struct {
	id       string
	gate     domain.PermissionGate
	provider domain.LocationProvider
	geocoder domain.ReverseGeocoder
	opts     Options
	store    *Store
	ready    atomic.Bool
	wg       sync.WaitGroup

	mu           sync.Mutex
	state        domain.ResolutionState
	gen          uint64
	cancel       context.CancelFunc
	sub          domain.Subscription
	attemptStart time.Time
	closed       bool
}

// New creates an idle Session.
func New(gate domain.PermissionGate, provider domain.LocationProvider, geocoder domain.ReverseGeocoder, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewUnregisteredMetrics()
	}
	if opts.Request == (domain.LocationRequest{}) {
		opts.Request = domain.DefaultLocationRequest()
	}

	initial := domain.NewResolutionState()
	id := uuid.NewString()
	return &Session{
		id:       id,
		gate:     gate,
		provider: provider,
		geocoder: geocoder,
		opts:     opts,
		store:    NewStore(initial),
		state:    initial,
	}
}

// ID identifies the session in logs and published transitions.
func (s *Session) ID() string { return s.id }

// State returns the latest published state.
func (s *Session) State() domain.ResolutionState { return s.store.Load() }

// Subscribe streams state changes, starting with the current state.
func (s *Session) Subscribe() (<-chan domain.ResolutionState, func()) {
	return s.store.Subscribe()
}

// CheckReadiness returns nil once an attempt has reached a terminal phase.
func (s *Session) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("no resolution attempt has completed yet")
	}
	return nil
}

// Start begins a new attempt from any phase, cancelling one in flight.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	s.cancelLocked()
	s.setLocked(s.state.Start())
	s.checkPermissionLocked()
	return nil
}

// Retry begins a new attempt from a terminal phase.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	next, err := s.state.Retry()
	if err != nil {
		return err
	}
	s.cancelLocked()
	s.setLocked(next)
	s.checkPermissionLocked()
	return nil
}

// OnPermissionResult feeds the answer of a permission prompt back into the flow.
func (s *Session) OnPermissionResult(granted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	s.cancelLocked()
	if s.state.Phase != domain.PhasePermissionCheck && s.state.Phase != domain.PhasePermissionDenied {
		s.setLocked(s.state.Start())
	}
	if !granted {
		s.opts.Logger.Info("location permission denied by user", "session_id", s.id)
		s.transitionLocked(domain.ResolutionState.PermissionRefused)
		return nil
	}
	if s.transitionLocked(domain.ResolutionState.PermissionGranted) {
		s.fetchLocked()
	}
	return nil
}

// RequestPermission asks the gate for permission and applies the answer.
// It blocks until the gate answers or ctx is done.
func (s *Session) RequestPermission(ctx context.Context) error {
	granted, err := s.gate.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("request permission: %w", err)
	}
	return s.OnPermissionResult(granted)
}

// Stop cancels any outstanding location subscription and collaborator call.
// It is idempotent and never blocks on collaborators; results that arrive
// afterwards are discarded. Use Wait to join background work.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.cancelLocked()
	s.opts.Metrics.ActiveAttempt.Set(0)
	s.store.close()
	s.opts.Logger.Info("session stopped", "session_id", s.id)
}

// Wait blocks until background work started by the session has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) checkPermissionLocked() {
	if !s.gate.HasFineLocationPermission() {
		s.opts.Logger.Debug("location permission not granted", "session_id", s.id)
		s.transitionLocked(domain.ResolutionState.PermissionNeeded)
		return
	}
	if s.transitionLocked(domain.ResolutionState.PermissionGranted) {
		s.fetchLocked()
	}
}

// fetchLocked cancels any outstanding subscription and starts location
// acquisition for the current attempt.
func (s *Session) fetchLocked() {
	s.cancelLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	gen := s.gen

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.locate(ctx, gen)
	}()
}

// cancelLocked invalidates in-flight work and cancels the live subscription.
func (s *Session) cancelLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.opts.Logger.Debug("stopping location updates", "session_id", s.id)
		s.sub.Cancel()
		s.sub = nil
	}
}

func (s *Session) locate(ctx context.Context, gen uint64) {
	fix, source, err := s.acquireFix(ctx, gen)
	if err != nil {
		s.locationFailed(ctx, gen, err)
		return
	}
	if err := fix.Validate(); err != nil {
		s.locationFailed(ctx, gen, err)
		return
	}
	s.opts.Metrics.LocationFixes.WithLabelValues(source).Inc()
	s.geocode(ctx, gen, *fix)
}

type fixResult struct {
	fix    *domain.Coordinates
	source string
	err    error
}

// acquireFix runs lookupFix under LocateTimeout.
func (s *Session) acquireFix(ctx context.Context, gen uint64) (*domain.Coordinates, string, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan fixResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fix, source, err := s.lookupFix(lctx, gen)
		done <- fixResult{fix: fix, source: source, err: err}
	}()

	var timeout <-chan time.Time
	if d := s.opts.LocateTimeout; d > 0 {
		timer := s.opts.Clock.NewTimer(d)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case r := <-done:
		return r.fix, r.source, r.err
	case <-timeout:
		s.dropSubscription(gen)
		return nil, "", fmt.Errorf("%w: no fix within %s", domain.ErrLocationUnavailable, s.opts.LocateTimeout)
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// lookupFix prefers the cached last-known fix and falls back to one live fix.
func (s *Session) lookupFix(ctx context.Context, gen uint64) (*domain.Coordinates, string, error) {
	fix, err := s.provider.LastKnownLocation(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("last known location: %w", err)
	}
	if fix != nil {
		s.opts.Logger.Debug("using last known location", "session_id", s.id, "lat", fix.Lat, "lon", fix.Lon)
		return fix, "cached", nil
	}

	s.opts.Logger.Debug("last known location unavailable, requesting live fix", "session_id", s.id)
	fix, err = s.awaitLiveFix(ctx, gen)
	return fix, "live", err
}

// awaitLiveFix consumes exactly one fix from a live subscription and cancels it.
func (s *Session) awaitLiveFix(ctx context.Context, gen uint64) (*domain.Coordinates, error) {
	sub, err := s.provider.RequestLocationUpdates(ctx, s.opts.Request)
	if err != nil {
		return nil, fmt.Errorf("request location updates: %w", err)
	}

	s.mu.Lock()
	if s.closed || s.gen != gen || ctx.Err() != nil {
		s.mu.Unlock()
		sub.Cancel()
		return nil, errStale
	}
	s.sub = sub
	s.mu.Unlock()
	defer s.releaseSubscription(sub)

	select {
	case fix, ok := <-sub.Fixes():
		if !ok {
			if err := sub.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: location updates ended without a fix", domain.ErrLocationUnavailable)
		}
		s.opts.Logger.Debug("live location received", "session_id", s.id, "lat", fix.Lat, "lon", fix.Lon)
		return &fix, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dropSubscription cancels the live subscription of attempt gen, if any.
func (s *Session) dropSubscription(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
}

// releaseSubscription cancels sub after its single fix and forgets it.
func (s *Session) releaseSubscription(sub domain.Subscription) {
	sub.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == sub {
		s.sub = nil
	}
}

func (s *Session) locationFailed(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil || errors.Is(err, errStale) {
		s.discard()
		return
	}
	kind := domain.LocationErrorKind(err)
	if kind == domain.ErrorKindPermissionRevoked {
		s.opts.Logger.Error("location permission lost", "session_id", s.id, "error", err)
	} else {
		s.opts.Logger.Warn("location acquisition failed", "session_id", s.id, "error", err)
	}
	s.apply(gen, func(st domain.ResolutionState) (domain.ResolutionState, error) {
		return st.LocationFailed(kind)
	})
}

type geocodeResult struct {
	addr domain.Address
	err  error
}

func (s *Session) geocode(ctx context.Context, gen uint64, fix domain.Coordinates) {
	obtained := func(st domain.ResolutionState) (domain.ResolutionState, error) {
		return st.LocationObtained(fix)
	}
	if !s.apply(gen, obtained) {
		return
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.opts.Logger.Debug("processing geocoding", "session_id", s.id, "lat", fix.Lat, "lon", fix.Lon)
	done := make(chan geocodeResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		addr, err := s.geocoder.ReverseGeocode(gctx, fix.Lat, fix.Lon)
		done <- geocodeResult{addr: addr, err: err}
	}()

	var timeout <-chan time.Time
	if d := s.opts.GeocodeTimeout; d > 0 {
		timer := s.opts.Clock.NewTimer(d)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	var (
		addr domain.Address
		err  error
	)
	select {
	case r := <-done:
		addr, err = r.addr, r.err
	case <-timeout:
		err = fmt.Errorf("%w: no result within %s", domain.ErrGeocodingUnavailable, s.opts.GeocodeTimeout)
	case <-ctx.Done():
		s.discard()
		return
	}
	if err != nil && ctx.Err() != nil {
		s.discard()
		return
	}
	if err != nil {
		kind := domain.GeocodingErrorKind(err)
		s.opts.Logger.Warn("reverse geocoding failed", "session_id", s.id, "error", err, "kind", kind)
		s.apply(gen, func(st domain.ResolutionState) (domain.ResolutionState, error) {
			return st.GeocodingFailed(kind)
		})
		return
	}

	c := domain.ClassifyPostalCode(addr.PostalCode)
	s.opts.Logger.Debug("reverse geocoded postal code",
		"session_id", s.id,
		"postal_code", addr.PostalCode,
		"classification", c.Kind,
		"source", addr.Source,
	)
	if s.apply(gen, func(st domain.ResolutionState) (domain.ResolutionState, error) {
		return st.Classified(c)
	}) {
		s.opts.Metrics.Classifications.WithLabelValues(string(c.Kind), strconv.FormatBool(c.InParisRange())).Inc()
	}
}

// apply runs a transition for attempt gen. It returns false when the
// attempt was superseded or the transition does not apply.
func (s *Session) apply(gen uint64, fn func(domain.ResolutionState) (domain.ResolutionState, error)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.gen != gen {
		s.discard()
		return false
	}
	return s.transitionLocked(fn)
}

func (s *Session) discard() {
	s.opts.Metrics.StaleResults.Inc()
	s.opts.Logger.Debug("discarding result of superseded attempt", "session_id", s.id)
}

func (s *Session) transitionLocked(fn func(domain.ResolutionState) (domain.ResolutionState, error)) bool {
	next, err := fn(s.state)
	if err != nil {
		s.opts.Logger.Warn("ignoring transition", "session_id", s.id, "error", err)
		return false
	}
	s.setLocked(next)
	return true
}

// setLocked publishes next and records diagnostics for the transition.
func (s *Session) setLocked(next domain.ResolutionState) {
	prev := s.state
	s.state = next
	s.store.publish(next)

	m := s.opts.Metrics
	m.PhaseTransitions.WithLabelValues(string(next.Phase)).Inc()
	if next.IsLoading() {
		m.ActiveAttempt.Set(1)
	} else {
		m.ActiveAttempt.Set(0)
	}
	if next.Phase == domain.PhasePermissionCheck {
		s.attemptStart = s.opts.Clock.Now()
	}
	if next.Phase.Terminal() {
		s.ready.Store(true)
		m.ResolutionDuration.Observe(s.opts.Clock.Since(s.attemptStart).Seconds())
		if next.ErrorKind.IsFailure() {
			m.Failures.WithLabelValues(string(next.ErrorKind)).Inc()
		}
	}

	s.opts.Logger.Info("phase transition",
		"session_id", s.id,
		"attempt", next.Attempt,
		"from", prev.Phase,
		"to", next.Phase,
		"display", next.DisplayValue,
		"error_kind", next.ErrorKind,
	)

	if s.opts.Sink == nil {
		return
	}
	t := Transition{SessionID: s.id, From: prev.Phase, State: next, IsLoading: next.IsLoading()}
	if err := s.opts.Sink.Publish(context.Background(), t); err != nil {
		m.PublishErrors.Inc()
		s.opts.Logger.Warn("publish transition failed", "session_id", s.id, "error", err)
		return
	}
	m.TransitionsPublished.Inc()
}
