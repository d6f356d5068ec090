// Package location provides a LocationProvider fed by pushed fixes, for
// example from a phone companion app or a GPS bridge posting to the HTTP API.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
)

// Feed implements domain.LocationProvider. Fixes pushed into the feed become
// the last-known location and are delivered to every live subscription.
type Feed struct {
	permitted func() bool
	logger    *slog.Logger

	mu   sync.Mutex
	last *domain.Coordinates
	subs map[*subscription]struct{}
}

// NewFeed creates a feed. permitted is consulted before a live request is
// accepted; a nil func always permits.
func NewFeed(permitted func() bool, logger *slog.Logger) *Feed {
	if permitted == nil {
		permitted = func() bool { return true }
	}
	return &Feed{
		permitted: permitted,
		logger:    logger,
		subs:      make(map[*subscription]struct{}),
	}
}

// Seed sets the last-known location without notifying subscribers.
func (f *Feed) Seed(c domain.Coordinates) error {
	if err := c.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &c
	return nil
}

// LastKnownLocation returns the most recent fix, or nil when none was pushed.
func (f *Feed) LastKnownLocation(ctx context.Context) (*domain.Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil, nil
	}
	c := *f.last
	return &c, nil
}

// RequestLocationUpdates registers a live subscription. It fails with
// domain.ErrPermissionRevoked when permission is no longer held.
func (f *Feed) RequestLocationUpdates(ctx context.Context, req domain.LocationRequest) (domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.permitted() {
		return nil, fmt.Errorf("location feed: %w", domain.ErrPermissionRevoked)
	}

	sub := &subscription{
		feed:  f,
		fixes: make(chan domain.Coordinates, 1),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	active := len(f.subs)
	f.mu.Unlock()

	f.logger.Debug("location updates requested",
		"interval", req.Interval,
		"min_interval", req.MinInterval,
		"max_delay", req.MaxDelay,
		"active", active,
	)
	return sub, nil
}

// Push records a fix and delivers it to every live subscription. A
// subscriber that has not consumed its previous fix gets the newer one.
func (f *Feed) Push(c domain.Coordinates) error {
	if err := c.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &c
	for sub := range f.subs {
		sub.deliver(c)
	}
	return nil
}

// Revoke ends every live subscription with domain.ErrPermissionRevoked.
func (f *Feed) Revoke() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.mu.Unlock()

	for sub := range subs {
		sub.end(domain.ErrPermissionRevoked)
	}
	if len(subs) > 0 {
		f.logger.Warn("location permission revoked, ended live subscriptions", "count", len(subs))
	}
}

// Active returns the number of live subscriptions.
func (f *Feed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) remove(sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

type subscription struct {
	feed  *Feed
	fixes chan domain.Coordinates

	mu     sync.Mutex
	done   bool
	err    error
	closer sync.Once
}

func (s *subscription) Fixes() <-chan domain.Coordinates { return s.fixes }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel removes the subscription from the feed. It is idempotent.
func (s *subscription) Cancel() {
	s.feed.remove(s)
	s.end(nil)
}

func (s *subscription) deliver(c domain.Coordinates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.fixes <- c:
	default:
		select {
		case <-s.fixes:
		default:
		}
		s.fixes <- c
	}
}

func (s *subscription) end(err error) {
	s.closer.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.done = true
		s.err = err
		close(s.fixes)
	})
}
