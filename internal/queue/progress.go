package queue

import (
	"sync"

	"github.com/Witriol/tapedeck/internal/model"
)

// progressSink coalesces progress callbacks for one attempt. Report never
// blocks; a single goroutine applies the most recent update. Close drains the
// pending update and waits for the goroutine, so nothing is applied after it
// returns.
type progressSink struct {
	apply func(model.ProgressUpdate)

	mu      sync.Mutex
	pending *model.ProgressUpdate
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newProgressSink(apply func(model.ProgressUpdate)) *progressSink {
	s := &progressSink{
		apply: apply,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	return s
}

// Report records u as the latest update.
func (s *progressSink) Report(u model.ProgressUpdate) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = &u
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *progressSink) take() *model.ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.pending
	s.pending = nil
	return u
}

func (s *progressSink) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			if u := s.take(); u != nil {
				s.apply(*u)
			}
		case <-s.stop:
			if u := s.take(); u != nil {
				s.apply(*u)
			}
			return
		}
	}
}

// Close flushes the last update and stops the sink. It is safe to call more
// than once.
func (s *progressSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	<-s.done
}
