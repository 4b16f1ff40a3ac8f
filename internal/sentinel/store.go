// Package sentinel implements the control-plane server: the builder
// presence store, the websocket sessions feeding it, and the control
// loops that observe it.
package sentinel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/model"
)

// Client errors. Connect's errors (ErrUnknownHost, ErrAlreadyConnected)
// are surfaced to websocket peers as HTTP 400; ErrStaleConnection, from
// Heartbeat, ends the session.
var (
	ErrUnknownHost      = errors.New("unknown builder")
	ErrAlreadyConnected = errors.New("already connected")
	ErrStaleConnection  = errors.New("connection stale")
)

// Store is the authoritative in-memory state shared by all control
// loops: the static fleet catalog, the liveness table of connected
// builders, and the set of system types the Hydra queue currently needs.
//
// Critical sections are short and never span I/O; observers are notified
// after the lock is released.
type Store struct {
	log        zerolog.Logger
	builders   map[string]*model.BuildMachine
	staleAfter time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
	queued   model.SystemSet

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// NewStore builds a store over the given fleet catalog. Host names must
// be unique across the catalog.
func NewStore(log zerolog.Logger, staleAfter time.Duration, machines []model.BuildMachine) (*Store, error) {
	builders := make(map[string]*model.BuildMachine, len(machines))
	for i := range machines {
		m := &machines[i]
		if _, dup := builders[m.HostName]; dup {
			return nil, fmt.Errorf("duplicate builder host name %q", m.HostName)
		}
		builders[m.HostName] = m
	}
	return &Store{
		log:        log.With().Str("component", "store").Logger(),
		builders:   builders,
		staleAfter: staleAfter,
		lastSeen:   make(map[string]time.Time),
		queued:     model.SystemSet{},
		subs:       make(map[*Subscription]struct{}),
	}, nil
}

// Connect registers a builder as present and returns a handle scoped to
// its session. The handle's Release must run on every session exit path.
func (s *Store) Connect(hostName string, now time.Time) (*BuilderHandle, error) {
	builder, ok := s.builders[hostName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, hostName)
	}

	s.mu.Lock()
	if _, dup := s.lastSeen[hostName]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", hostName, ErrAlreadyConnected)
	}
	s.lastSeen[hostName] = now
	s.mu.Unlock()

	s.notify()
	return &BuilderHandle{store: s, builder: builder}, nil
}

// disconnect removes the builder's liveness entry. Called from handle
// release only.
func (s *Store) disconnect(hostName string) {
	s.mu.Lock()
	_, present := s.lastSeen[hostName]
	delete(s.lastSeen, hostName)
	s.mu.Unlock()

	if present {
		s.log.Debug().Str("host", hostName).Msg("builder disconnected")
		s.notify()
	}
}

// Connected returns the catalog entries of all builders seen within the
// staleness window. Entries older than the window are evicted as a side
// effect of the read.
func (s *Store) Connected() []*model.BuildMachine {
	now := time.Now()

	s.mu.Lock()
	var connected []*model.BuildMachine
	evicted := 0
	for hostName, builder := range s.builders {
		at, ok := s.lastSeen[hostName]
		if !ok {
			continue
		}
		if elapsed := now.Sub(at); elapsed > s.staleAfter {
			s.log.Info().Str("host", hostName).Dur("not_seen_for", elapsed).Msg("removing stale builder")
			delete(s.lastSeen, hostName)
			evicted++
			continue
		}
		connected = append(connected, builder)
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.notify()
	}
	return connected
}

// UpdateQueued replaces the set of queued system types. A no-op update
// (same set) does not notify observers.
func (s *Store) UpdateQueued(systems []model.System) {
	updated := model.NewSystemSet(systems...)

	s.mu.Lock()
	if s.queued.Equal(updated) {
		s.mu.Unlock()
		s.log.Debug().Msg("queue unchanged")
		return
	}
	s.queued = updated
	s.mu.Unlock()

	s.log.Info().Strs("systems", updated.Sorted()).Msg("queue updated")
	s.notify()
}

// MachinesToWake returns the hardware addresses of builders that have a
// configured MAC address, are not currently connected, and can build for
// at least one queued system type.
func (s *Store) MachinesToWake() []model.MacAddress {
	connected := make(map[string]struct{})
	for _, builder := range s.Connected() {
		connected[builder.HostName] = struct{}{}
	}

	s.mu.Lock()
	queued := s.queued
	s.mu.Unlock()

	var addrs []model.MacAddress
	for hostName, builder := range s.builders {
		if builder.MacAddress == nil {
			continue
		}
		if _, up := connected[hostName]; up {
			continue
		}
		if builder.SupportsAny(queued) {
			addrs = append(addrs, *builder.MacAddress)
		}
	}
	return addrs
}

// Subscription observes the store's change notifier. It is a coalescing
// single-slot channel: at most one tick is pending regardless of how
// many changes occurred, so observers re-read whole derived views.
type Subscription struct {
	store *Store
	ch    chan struct{}
}

// Subscribe registers a new observer of state changes.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{store: s, ch: make(chan struct{}, 1)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// C returns the channel a tick is delivered on.
func (s *Subscription) C() <-chan struct{} { return s.ch }

// Close unregisters the observer.
func (s *Subscription) Close() {
	s.store.subMu.Lock()
	delete(s.store.subs, s)
	s.store.subMu.Unlock()
}

// notify delivers a tick to every subscriber, coalescing with any tick
// already pending. Never called while s.mu is held.
func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// BuilderHandle is the scoped acquisition tied to one accepted builder
// connection. At most one handle exists per host name; releasing it
// disconnects the builder regardless of the session's exit path.
type BuilderHandle struct {
	store   *Store
	builder *model.BuildMachine
	release sync.Once
}

// Builder returns the catalog entry the handle is bound to.
func (h *BuilderHandle) Builder() *model.BuildMachine { return h.builder }

// Wanted reports whether any of this builder's system types is currently
// queued. The read is a snapshot.
func (h *BuilderHandle) Wanted() bool {
	h.store.mu.Lock()
	queued := h.store.queued
	h.store.mu.Unlock()
	return h.builder.SupportsAny(queued)
}

// Heartbeat records evidence of life at now. Last-seen never moves
// backward. Fails with ErrStaleConnection if the entry was evicted out
// from under the session.
func (h *BuilderHandle) Heartbeat(now time.Time) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	at, ok := h.store.lastSeen[h.builder.HostName]
	if !ok {
		return fmt.Errorf("%s: %w", h.builder.HostName, ErrStaleConnection)
	}
	if now.After(at) {
		h.store.lastSeen[h.builder.HostName] = now
	}
	return nil
}

// Release disconnects the builder and notifies observers if the liveness
// entry was still present. Idempotent; safe from any exit path.
func (h *BuilderHandle) Release() {
	h.release.Do(func() {
		h.store.disconnect(h.builder.HostName)
	})
}
