// Package loop provides the serial executors the driver hands work to:
// the single-worker capture queue and the UI-affine callback loop.
package loop

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/CamGo/internal/debug"
)

// Executor accepts work for asynchronous execution.
type Executor interface {
	Post(fn func()) bool
}

// Serial runs posted functions one at a time, in FIFO order, on a single
// goroutine. Post never blocks, so it is safe to call from a hardware
// callback context.
type Serial struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerial starts a serial executor. name only appears in logs.
func NewSerial(name string) *Serial {
	s := &Serial{
		name: name,
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Post enqueues fn. It returns false if the executor is closed.
func (s *Serial) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return true
}

// Len returns the number of queued, not yet started, tasks.
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush blocks until every task posted before the call has run.
// It must not be called from a task running on s.
func (s *Serial) Flush() {
	ch := make(chan struct{})
	if !s.Post(func() { close(ch) }) {
		<-s.done
		return
	}
	<-ch
}

// Close stops accepting work, runs what is already queued and waits for the
// goroutine to exit. Close is idempotent.
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.exec(fn)
	}
}

func (s *Serial) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			debug.Error(fmt.Errorf("loop %s: task panicked: %v", s.name, r))
		}
	}()
	fn()
}
