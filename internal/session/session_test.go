package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitFor = 2 * time.Second

var paris = domain.Coordinates{Lat: 48.8566, Lon: 2.3522}

func newTestSession(gate domain.PermissionGate, provider domain.LocationProvider, geocoder domain.ReverseGeocoder, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	return New(gate, provider, geocoder, opts)
}

func requirePhase(t *testing.T, s *Session, phase domain.Phase) domain.ResolutionState {
	t.Helper()
	require.Eventually(t, func() bool { return s.State().Phase == phase }, waitFor, 5*time.Millisecond,
		"expected phase %s, last state %+v", phase, s.State())
	return s.State()
}

func nextSub(t *testing.T, p *fakeProvider) *fakeSub {
	t.Helper()
	select {
	case sub := <-p.created:
		return sub
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a location subscription")
		return nil
	}
}

func TestSession_ResolvesFromLastKnownLocation(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{addr: domain.Address{PostalCode: "75004"}}
	metrics := observability.NewMetricsForTesting()

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{Metrics: metrics})
	defer s.Stop()
	require.NoError(t, s.Start())

	st := requirePhase(t, s, domain.PhaseResolved)
	assert.Equal(t, "4", st.DisplayValue)
	assert.Equal(t, domain.SubTextArrondissement, st.SubText)
	assert.Equal(t, 4, st.Arrondissement)
	assert.Equal(t, &paris, st.Coordinates)
	assert.Equal(t, int32(1), geocoder.calls.Load())
	assert.Empty(t, provider.subs, "cached fix must not open a live subscription")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LocationFixes.WithLabelValues("cached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Classifications.WithLabelValues("arrondissement", "true")))
}

func TestSession_LiveFixEndToEnd(t *testing.T) {
	provider := newFakeProvider()
	geocoder := &fakeGeocoder{addr: domain.Address{PostalCode: "75001"}}
	sink := &recordingSink{}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{Sink: sink})
	defer s.Stop()
	require.NoError(t, s.Start())

	sub := nextSub(t, provider)
	assert.Equal(t, domain.PhaseLocating, s.State().Phase)
	sub.fixes <- paris

	st := requirePhase(t, s, domain.PhaseResolved)
	assert.Equal(t, "1", st.DisplayValue)
	assert.Equal(t, domain.SubTextArrondissement, st.SubText)
	assert.True(t, sub.canceled.Load(), "subscription must be cancelled after the first fix")
	assert.Equal(t, 0, provider.active())

	assert.Equal(t, []domain.Phase{
		domain.PhasePermissionCheck,
		domain.PhaseLocating,
		domain.PhaseGeocoding,
		domain.PhaseResolved,
	}, sink.phases())
}

func TestSession_PermissionNeededThenGranted(t *testing.T) {
	gate := newFakeGate(false)
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{addr: domain.Address{PostalCode: "75011"}}

	s := newTestSession(gate, provider, geocoder, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	st := s.State()
	assert.Equal(t, domain.PhasePermissionDenied, st.Phase)
	assert.Equal(t, domain.DisplayPermissionNeeded, st.DisplayValue)
	assert.Equal(t, domain.ErrorKindPermissionDenied, st.ErrorKind)
	assert.Zero(t, geocoder.calls.Load())

	gate.answers <- true
	require.NoError(t, s.RequestPermission(context.Background()))

	st = requirePhase(t, s, domain.PhaseResolved)
	assert.Equal(t, "11", st.DisplayValue)
}

func TestSession_PermissionRefused(t *testing.T) {
	s := newTestSession(newFakeGate(false), newFakeProvider(), &fakeGeocoder{}, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())
	require.NoError(t, s.OnPermissionResult(false))

	st := s.State()
	assert.Equal(t, domain.PhasePermissionDenied, st.Phase)
	assert.Equal(t, domain.DisplayPermissionDenied, st.DisplayValue)
	assert.Equal(t, "Location permission is required.", st.Message)
	assert.NoError(t, s.CheckReadiness(context.Background()))
}

func TestSession_PermissionResultWhileResolvedRestarts(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{addr: domain.Address{PostalCode: "75002"}}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())
	first := requirePhase(t, s, domain.PhaseResolved)

	require.NoError(t, s.OnPermissionResult(true))
	require.Eventually(t, func() bool {
		st := s.State()
		return st.Phase == domain.PhaseResolved && st.Attempt == first.Attempt+1
	}, waitFor, 5*time.Millisecond)
}

func TestSession_RestartKeepsOneSubscription(t *testing.T) {
	provider := newFakeProvider()
	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{})
	defer s.Stop()

	require.NoError(t, s.Start())
	first := nextSub(t, provider)

	require.NoError(t, s.Start())
	second := nextSub(t, provider)

	require.Eventually(t, first.canceled.Load, waitFor, 5*time.Millisecond, "first subscription must be cancelled")
	assert.False(t, second.canceled.Load())
	assert.Equal(t, 1, provider.active())
	assert.Equal(t, domain.PhaseLocating, s.State().Phase)
}

func TestSession_StopDiscardsLateLocation(t *testing.T) {
	provider := newFakeProvider()
	geocoder := &fakeGeocoder{addr: domain.Address{PostalCode: "75001"}}
	s := newTestSession(newFakeGate(true), provider, geocoder, Options{})

	require.NoError(t, s.Start())
	sub := nextSub(t, provider)
	before := s.State()

	s.Stop()
	sub.fixes <- paris
	s.Wait()

	assert.True(t, sub.canceled.Load())
	assert.Equal(t, before, s.State())
	assert.Zero(t, geocoder.calls.Load())
}

func TestSession_StopDiscardsLateGeocode(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{
		addr:    domain.Address{PostalCode: "75001"},
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	metrics := observability.NewMetricsForTesting()
	s := newTestSession(newFakeGate(true), provider, geocoder, Options{Metrics: metrics})

	require.NoError(t, s.Start())
	<-geocoder.entered
	before := s.State()
	require.Equal(t, domain.PhaseGeocoding, before.Phase)

	s.Stop()
	close(geocoder.release)
	s.Wait()

	assert.Equal(t, before, s.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StaleResults))
}

func TestSession_StopIsIdempotent(t *testing.T) {
	s := newTestSession(newFakeGate(true), newFakeProvider(), &fakeGeocoder{}, Options{})
	s.Stop()
	s.Stop()

	assert.ErrorIs(t, s.Start(), domain.ErrSessionClosed)
	assert.ErrorIs(t, s.Retry(), domain.ErrSessionClosed)
	assert.ErrorIs(t, s.OnPermissionResult(true), domain.ErrSessionClosed)
	assert.Equal(t, domain.PhaseIdle, s.State().Phase)
}

func TestSession_RetryFromFailed(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{err: fmt.Errorf("%w: connection refused", domain.ErrGeocodingUnavailable)}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.DisplayNetworkError, st.DisplayValue)
	assert.Equal(t, domain.ErrorKindGeocodingUnavailable, st.ErrorKind)

	states, unsubscribe := s.Subscribe()
	defer unsubscribe()
	<-states // current

	require.NoError(t, s.Retry())

	var phases []domain.Phase
	timeout := time.After(waitFor)
	for len(phases) < 4 {
		select {
		case st := <-states:
			phases = append(phases, st.Phase)
		case <-timeout:
			t.Fatalf("timed out, phases so far: %v", phases)
		}
	}
	assert.Equal(t, []domain.Phase{
		domain.PhasePermissionCheck,
		domain.PhaseLocating,
		domain.PhaseGeocoding,
		domain.PhaseFailed,
	}, phases)
	assert.Equal(t, int32(2), geocoder.calls.Load())
}

func TestSession_RetryWhileLocatingRejected(t *testing.T) {
	provider := newFakeProvider()
	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{})
	defer s.Stop()

	require.NoError(t, s.Start())
	nextSub(t, provider)

	assert.ErrorIs(t, s.Retry(), domain.ErrInvalidTransition)
}

func TestSession_PermissionRevokedDuringRequest(t *testing.T) {
	provider := newFakeProvider()
	provider.reqErr = fmt.Errorf("fused provider: %w", domain.ErrPermissionRevoked)

	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	st := requirePhase(t, s, domain.PhasePermissionDenied)
	assert.Equal(t, domain.ErrorKindPermissionRevoked, st.ErrorKind)
	assert.Equal(t, domain.DisplayPermissionLost, st.DisplayValue)
}

func TestSession_SubscriptionEndsWithRevocation(t *testing.T) {
	provider := newFakeProvider()
	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	sub := nextSub(t, provider)
	sub.err = domain.ErrPermissionRevoked
	close(sub.fixes)

	st := requirePhase(t, s, domain.PhasePermissionDenied)
	assert.Equal(t, domain.ErrorKindPermissionRevoked, st.ErrorKind)
}

func TestSession_SubscriptionEndsWithoutFix(t *testing.T) {
	provider := newFakeProvider()
	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	close(nextSub(t, provider).fixes)

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindLocationUnavailable, st.ErrorKind)
	assert.Equal(t, domain.DisplayLocationError, st.DisplayValue)
}

func TestSession_LastKnownLocationError(t *testing.T) {
	provider := newFakeProvider()
	provider.lastErr = errors.New("provider unavailable")

	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindLocationUnavailable, st.ErrorKind)
}

func TestSession_InvalidFix(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &domain.Coordinates{Lat: 123, Lon: 2.35}
	geocoder := &fakeGeocoder{}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{})
	defer s.Stop()
	require.NoError(t, s.Start())

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindInvalidCoordinates, st.ErrorKind)
	assert.Equal(t, domain.DisplayInvalidCoords, st.DisplayValue)
	assert.Zero(t, geocoder.calls.Load())
}

func TestSession_GeocodeOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		addr    domain.Address
		err     error
		phase   domain.Phase
		display string
		kind    domain.ErrorKind
	}{
		{"no address", domain.Address{}, domain.ErrNoAddressFound, domain.PhaseFailed, domain.DisplayNotFound, domain.ErrorKindNoAddressFound},
		{"no postal code", domain.Address{FormattedAddress: "Seine"}, nil, domain.PhaseResolved, domain.DisplayNoCode, domain.ErrorKindNoAddressFound},
		{"outside paris", domain.Address{PostalCode: "92100"}, nil, domain.PhaseResolved, "92100", domain.ErrorKindNone},
		{"unparsable", domain.Address{PostalCode: "7501A"}, nil, domain.PhaseResolved, "7501A", domain.ErrorKindParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newFakeProvider()
			provider.lastKnown = &paris
			s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{addr: tt.addr, err: tt.err}, Options{})
			defer s.Stop()
			require.NoError(t, s.Start())

			st := requirePhase(t, s, tt.phase)
			assert.Equal(t, tt.display, st.DisplayValue)
			assert.Equal(t, tt.kind, st.ErrorKind)
		})
	}
}

func TestSession_LocateTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()

	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{
		Clock:         clock,
		LocateTimeout: 30 * time.Second,
	})
	defer s.Stop()
	require.NoError(t, s.Start())
	nextSub(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(31 * time.Second)

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindLocationUnavailable, st.ErrorKind)
	assert.Eventually(t, func() bool { return provider.active() == 0 }, waitFor, 5*time.Millisecond)
}

func TestSession_LocateTimeoutCoversLastKnownLookup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	provider.lastKnown = &paris
	provider.lastBlock = make(chan struct{})
	geocoder := &fakeGeocoder{addr: domain.Address{PostalCode: "75001"}}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{
		Clock:         clock,
		LocateTimeout: 30 * time.Second,
	})
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(31 * time.Second)

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindLocationUnavailable, st.ErrorKind)

	// The lookup ignores cancellation; its late fix must not resume the attempt.
	close(provider.lastBlock)
	s.Stop()
	s.Wait()
	assert.Equal(t, domain.PhaseFailed, s.State().Phase)
	assert.Zero(t, geocoder.calls.Load())
}

func TestSession_GeocodeTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{waitCtx: true}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{
		Clock:          clock,
		GeocodeTimeout: 10 * time.Second,
	})
	defer s.Stop()
	require.NoError(t, s.Start())
	requirePhase(t, s, domain.PhaseGeocoding)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(11 * time.Second)

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindGeocodingUnavailable, st.ErrorKind)
	assert.Equal(t, domain.DisplayNetworkError, st.DisplayValue)
}

func TestSession_GeocodeTimeoutIgnoredContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{
		addr:    domain.Address{PostalCode: "75001"},
		release: make(chan struct{}),
		entered: make(chan struct{}, 1),
	}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{
		Clock:          clock,
		GeocodeTimeout: 10 * time.Second,
	})
	require.NoError(t, s.Start())
	<-geocoder.entered

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(11 * time.Second)

	st := requirePhase(t, s, domain.PhaseFailed)
	assert.Equal(t, domain.ErrorKindGeocodingUnavailable, st.ErrorKind)

	close(geocoder.release)
	s.Stop()
	s.Wait()
	assert.Equal(t, domain.PhaseFailed, s.State().Phase, "late geocode result is dropped")
}

func TestSession_NoTimeoutStaysGeocoding(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	geocoder := &fakeGeocoder{waitCtx: true}

	s := newTestSession(newFakeGate(true), provider, geocoder, Options{})
	requirePhase(t, s, domain.PhaseIdle)
	require.NoError(t, s.Start())
	requirePhase(t, s, domain.PhaseGeocoding)

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.State().IsLoading())

	s.Stop()
	s.Wait()
	assert.Equal(t, domain.PhaseGeocoding, s.State().Phase)
}

func TestSession_DefaultsWithoutMetricsOrLogger(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	s := New(newFakeGate(true), provider, &fakeGeocoder{addr: domain.Address{PostalCode: "75011"}}, Options{})
	defer s.Stop()

	require.NoError(t, s.Start())
	st := requirePhase(t, s, domain.PhaseResolved)
	assert.Equal(t, "11", st.DisplayValue)
}

func TestSession_Readiness(t *testing.T) {
	provider := newFakeProvider()
	provider.lastKnown = &paris
	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{addr: domain.Address{PostalCode: "75015"}}, Options{})
	defer s.Stop()

	require.Error(t, s.CheckReadiness(context.Background()))
	require.NoError(t, s.Start())
	requirePhase(t, s, domain.PhaseResolved)
	assert.NoError(t, s.CheckReadiness(context.Background()))
}

func TestSession_StopEndsSubscriptions(t *testing.T) {
	s := newTestSession(newFakeGate(false), newFakeProvider(), &fakeGeocoder{}, Options{})
	states, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.Stop()

	<-states // current
	_, ok := <-states
	assert.False(t, ok, "subscription channel must close on Stop")
}

func TestSession_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	provider := newFakeProvider()
	s := newTestSession(newFakeGate(true), provider, &fakeGeocoder{}, Options{
		Clock:         clockwork.NewFakeClock(),
		LocateTimeout: time.Minute,
	})
	require.NoError(t, s.Start())
	nextSub(t, provider)
	require.NoError(t, s.Start())
	nextSub(t, provider)

	s.Stop()
	s.Wait()
}
