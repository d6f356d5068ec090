package session

import (
	"sync"

	"github.com/couchcryptid/arrondissement-locator/internal/domain"
)

// subscriberBuffer bounds how far a slow reader can lag before older
// states are dropped in favour of newer ones.
const subscriberBuffer = 16

// Store is a single-writer observable ResolutionState. The session is the
// only writer; readers call Load or Subscribe.
type Store struct {
	mu      sync.Mutex
	current domain.ResolutionState
	subs    map[chan domain.ResolutionState]struct{}
	closed  bool
}

// NewStore creates a Store holding initial.
func NewStore(initial domain.ResolutionState) *Store {
	return &Store{
		current: initial,
		subs:    make(map[chan domain.ResolutionState]struct{}),
	}
}

// Load returns the latest published state.
func (s *Store) Load() domain.ResolutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe returns a channel that receives the current state immediately
// and every later state. A reader that falls behind loses the oldest
// buffered states, never the latest. The channel is closed by the returned
// cancel func or when the store is closed.
func (s *Store) Subscribe() (<-chan domain.ResolutionState, func()) {
	ch := make(chan domain.ResolutionState, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.current
	s.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// publish replaces the current state and fans it out.
func (s *Store) publish(state domain.ResolutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.current = state
	for ch := range s.subs {
		select {
		case ch <- state:
		default:
			// Drop the oldest buffered state to make room for the newest.
			select {
			case <-ch:
			default:
			}
			ch <- state
		}
	}
}

// close ends every subscription. Later publishes are ignored.
func (s *Store) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}
