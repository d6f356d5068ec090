package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
)

// --- permission gate ---

type fakeGate struct {
	granted atomic.Bool
	answers chan bool
}

func newFakeGate(granted bool) *fakeGate {
	g := &fakeGate{answers: make(chan bool, 1)}
	g.granted.Store(granted)
	return g
}

func (g *fakeGate) HasFineLocationPermission() bool { return g.granted.Load() }

func (g *fakeGate) RequestPermission(ctx context.Context) (bool, error) {
	select {
	case ok := <-g.answers:
		g.granted.Store(ok)
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// --- location provider ---

type fakeSub struct {
	fixes    chan domain.Coordinates
	err      error
	canceled atomic.Bool
}

func (s *fakeSub) Fixes() <-chan domain.Coordinates { return s.fixes }
func (s *fakeSub) Err() error                       { return s.err }
func (s *fakeSub) Cancel()                          { s.canceled.Store(true) }

type fakeProvider struct {
	lastKnown *domain.Coordinates
	lastErr   error
	reqErr    error
	// lastBlock, when set, holds LastKnownLocation until closed regardless of the context.
	lastBlock chan struct{}

	mu      sync.Mutex
	subs    []*fakeSub
	created chan *fakeSub
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{created: make(chan *fakeSub, 8)}
}

func (p *fakeProvider) LastKnownLocation(_ context.Context) (*domain.Coordinates, error) {
	if p.lastBlock != nil {
		<-p.lastBlock
	}
	return p.lastKnown, p.lastErr
}

func (p *fakeProvider) RequestLocationUpdates(_ context.Context, _ domain.LocationRequest) (domain.Subscription, error) {
	if p.reqErr != nil {
		return nil, p.reqErr
	}
	sub := &fakeSub{fixes: make(chan domain.Coordinates, 1)}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	p.created <- sub
	return sub, nil
}

// active counts subscriptions that have not been cancelled.
func (p *fakeProvider) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subs {
		if !s.canceled.Load() {
			n++
		}
	}
	return n
}

// --- reverse geocoder ---

type fakeGeocoder struct {
	addr  domain.Address
	err   error
	calls atomic.Int32

	// waitCtx blocks until the context is done and returns its error.
	waitCtx bool
	// release, when set, blocks until closed regardless of the context.
	release chan struct{}
	entered chan struct{}
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, _, _ float64) (domain.Address, error) {
	g.calls.Add(1)
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if g.waitCtx {
		<-ctx.Done()
		return domain.Address{}, ctx.Err()
	}
	return g.addr, g.err
}

// --- transition sink ---

type recordingSink struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recordingSink) Publish(_ context.Context, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recordingSink) phases() []domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Phase, 0, len(r.transitions))
	for _, t := range r.transitions {
		out = append(out, t.State.Phase)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
