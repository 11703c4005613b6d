// Package eventbus implements the per-user progress broadcast channel.
//
// Each user has an ordered stream of workflow events with a bounded replay
// ring so late subscribers (SSE reconnects) catch up from run start. Slow
// subscribers are dropped rather than blocking the publisher.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-apply-agent/internal/adapter/observability"
	"github.com/fairyhunter13/ai-apply-agent/internal/domain"
)

const (
	// DefaultReplayWindow is the minimum number of recent events retained
	// for late subscribers.
	DefaultReplayWindow = 256
	// DefaultPendingLimit bounds a subscriber's unread live events before
	// it is dropped.
	DefaultPendingLimit = 128
)

// Bus is a process-wide registry of per-user event streams.
type Bus struct {
	mu           sync.RWMutex
	window       int
	pendingLimit int
	streams      map[string]*stream
}

type stream struct {
	mu      sync.Mutex
	seq     uint64
	ring    []domain.Event
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

type subscriber struct {
	ch     chan domain.Event
	closed bool
}

// New constructs a Bus. Zero or negative arguments fall back to defaults.
func New(window, pendingLimit int) *Bus {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if pendingLimit <= 0 {
		pendingLimit = DefaultPendingLimit
	}
	return &Bus{window: window, pendingLimit: pendingLimit, streams: make(map[string]*stream)}
}

func (b *Bus) stream(userID string, create bool) *stream {
	b.mu.RLock()
	s := b.streams[userID]
	b.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s = b.streams[userID]; s == nil {
		s = &stream{subs: make(map[int]*subscriber)}
		b.streams[userID] = s
	}
	return s
}

// Reset discards the user's previous stream and starts a fresh one. Called at
// run start; sequence numbers restart at 1. Any subscriber still attached to
// the old stream is closed.
func (b *Bus) Reset(userID string) {
	b.mu.Lock()
	old := b.streams[userID]
	b.streams[userID] = &stream{subs: make(map[int]*subscriber)}
	b.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// Publish appends an event to the user's stream, assigning the next sequence
// number and a timestamp, and fans it out to subscribers without blocking.
// The stamped event is returned.
func (b *Bus) Publish(userID string, ev domain.Event) domain.Event {
	s := b.stream(userID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ev
	}
	s.seq++
	ev.Seq = s.seq
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	s.ring = append(s.ring, ev)
	if len(s.ring) > b.window {
		s.ring = s.ring[len(s.ring)-b.window:]
	}
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: drop it instead of blocking the run.
			slog.Warn("dropping slow event subscriber", slog.String("user_id", userID), slog.Int("subscriber", id))
			observability.EventSubscribersDropped.Inc()
			sub.closed = true
			close(sub.ch)
			delete(s.subs, id)
		}
	}
	return ev
}

// Subscribe attaches to the user's stream. The returned channel first yields
// a replay of the retained ring, then live events; it is closed when the run
// terminates (after the engine's grace period), when the subscriber falls too
// far behind, or when cancel is called.
func (b *Bus) Subscribe(userID string) (<-chan domain.Event, func()) {
	s := b.stream(userID, true)
	s.mu.Lock()
	// Capacity covers the full replay plus the live pending budget so the
	// replay itself can never stall the publisher.
	sub := &subscriber{ch: make(chan domain.Event, b.window+b.pendingLimit)}
	for _, ev := range s.ring {
		sub.ch <- ev
	}
	if s.closed {
		// Terminal stream: deliver the replay and end immediately.
		sub.closed = true
		close(sub.ch)
		s.mu.Unlock()
		return sub.ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[id]; ok && cur == sub {
			delete(s.subs, id)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	return sub.ch, cancel
}

// CloseRun ends live delivery for the user's stream. The ring is retained so
// late subscribers still receive the replay of the finished run.
func (b *Bus) CloseRun(userID string) {
	if s := b.stream(userID, false); s != nil {
		s.close()
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(s.subs, id)
	}
}
