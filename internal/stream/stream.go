package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"vendorverify.io/internal/credential"
)

// Stream fans security alerts out to live dashboard subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan credential.Alert
	next    int
	buffer  int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{
		subs:   make(map[int]chan credential.Alert),
		buffer: 16,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive alerts.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan credential.Alert {
	ch := make(chan credential.Alert, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the alert out to all subscribers without blocking.
func (s *Stream) Publish(ctx context.Context, alert credential.Alert) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- alert:
		default:
			// slow subscriber
			s.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
