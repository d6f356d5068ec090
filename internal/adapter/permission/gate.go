// Package permission implements the location permission gate for a headless
// deployment: the grant comes from configuration or from a client answering
// over the HTTP API.
package permission

import (
	"context"
	"log/slog"
	"sync"
)

// Mode is the configured starting point of the gate.
type Mode string

const (
	ModeGranted Mode = "granted"
	ModeDenied  Mode = "denied"
	ModePrompt  Mode = "prompt"
)

// Gate implements domain.PermissionGate.
type Gate struct {
	mode   Mode
	logger *slog.Logger

	mu       sync.Mutex
	granted  bool
	waiters  []chan bool
	watchers []func(granted bool)
}

// NewGate creates a gate. Only ModeGranted starts granted; ModeDenied
// answers every request with a refusal without prompting.
func NewGate(mode Mode, logger *slog.Logger) *Gate {
	return &Gate{
		mode:    mode,
		logger:  logger,
		granted: mode == ModeGranted,
	}
}

// HasFineLocationPermission reports the current grant.
func (g *Gate) HasFineLocationPermission() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

// RequestPermission returns immediately when permission is held or the gate
// is in ModeDenied. Otherwise it waits for Answer or ctx.
func (g *Gate) RequestPermission(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if g.granted {
		g.mu.Unlock()
		return true, nil
	}
	if g.mode == ModeDenied {
		g.mu.Unlock()
		return false, nil
	}
	ch := make(chan bool, 1)
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	g.logger.Info("waiting for location permission answer")

	select {
	case granted := <-ch:
		return granted, nil
	case <-ctx.Done():
		g.drop(ch)
		return false, ctx.Err()
	}
}

// Answer records the user's decision, resolves pending requests and
// notifies watchers when the grant changes. It returns the number of
// requests it resolved.
func (g *Gate) Answer(granted bool) int {
	g.mu.Lock()
	changed := g.granted != granted
	g.granted = granted
	waiters := g.waiters
	g.waiters = nil
	watchers := append([]func(bool){}, g.watchers...)
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- granted
	}
	if changed {
		g.logger.Info("location permission changed", "granted", granted)
		for _, fn := range watchers {
			fn(granted)
		}
	}
	return len(waiters)
}

// Watch registers fn to be called after every change of the grant.
func (g *Gate) Watch(fn func(granted bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watchers = append(g.watchers, fn)
}

// Pending returns the number of requests waiting for an answer.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

func (g *Gate) drop(ch chan bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
