package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultAsyncBuffer = 1024

// AsyncSink decouples event producers from a slow backend Sink with a bounded
// queue. Log never blocks; events are dropped and counted when the queue is full.
//
// This type is concurrency safe.
type AsyncSink struct {
	backend Sink

	queue   chan Event
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewAsyncSink returns an AsyncSink delivering to the backend with the given
// queue size. A non-positive buffer uses a default of 1024. Start must be called
// before events are delivered.
func NewAsyncSink(backend Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	return &AsyncSink{
		backend: backend,
		queue:   make(chan Event, buffer),
	}
}

// Start launches the delivery goroutine. Calling Start more than once is safe.
func (s *AsyncSink) Start() {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop closes the queue and waits for queued events to drain, or until the ctx
// is done.
func (s *AsyncSink) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink stop: %w", ctx.Err())
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *AsyncSink) LogSecurityEvent(_ context.Context, event Event) {
	if s.stopped.Load() {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- event:
	default:
		s.dropped.Add(1)
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for event := range s.queue {
		s.backend.LogSecurityEvent(context.Background(), event)
	}
}
