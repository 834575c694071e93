package profiler

import (
	"time"

	"github.com/skobkin/gpuprof-web/internal/report"
	"github.com/skobkin/gpuprof-web/internal/runner"
)

// EventType identifies what an Event announces.
type EventType string

const (
	EventRunStarted EventType = "run_started"
	EventRunState   EventType = "run_state"
	EventReport     EventType = "report"
	EventRunFailed  EventType = "run_failed"
	EventWarning    EventType = "warning"
)

// Event is published to subscribers as runs progress.
type Event struct {
	Type    EventType
	RunID   string
	State   runner.State
	Report  *report.ProfileReport
	Err     error
	Message string
	At      time.Time
}

const subscriberBuffer = 8

type subscriber struct {
	ch     chan Event
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Event, subscriberBuffer)}
}

// send delivers ev, discarding the oldest queued event when the buffer is
// full. Callers hold the manager lock.
func (s *subscriber) send(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscriber) close() {
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
