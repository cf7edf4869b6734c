package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hewigovens/vibetunnel/internal/cast"
)

// Sink delivers framed records to one connected viewer. Implementations
// must be safe for use from a single goroutine at a time; the registry
// serializes all writes per subscriber.
type Sink interface {
	// Send delivers one JSON-encoded record.
	Send(record []byte) error
	// Close terminates the stream. Safe to call more than once.
	Close() error
}

// queued is one live record captured by the tail reader, waiting to be
// delivered to a subscriber. Exactly one of header, ev or raw is set. at is the wall
// clock at capture time and drives the relative timestamp.
type queued struct {
	header *cast.Header
	ev     *cast.Event
	raw    []byte
	at     time.Time
}

// subscriber is one attached viewer. Until the replay pass completes it
// queues live records so that the backlog always precedes live output.
type subscriber struct {
	sink      Sink
	startTime time.Time

	mu         sync.Mutex
	live       bool
	failed     bool
	removed    bool
	sinkClosed bool
	sentHeader bool
	pending    []queued
}

func newSubscriber(sink Sink) *subscriber {
	return &subscriber{sink: sink, startTime: time.Now()}
}

// sendRecord writes one record during the replay pass. It reports
// whether the subscriber can accept further records.
func (s *subscriber) sendRecord(record []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(record)
}

// sendHeader writes the header record during the replay pass and marks
// the subscriber as having received its one header.
func (s *subscriber) sendHeader(record []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentHeader {
		return !s.removed && !s.failed && !s.sinkClosed
	}
	if s.writeLocked(record) {
		s.sentHeader = true
		return true
	}
	return false
}

func (s *subscriber) writeLocked(record []byte) bool {
	if s.removed || s.failed || s.sinkClosed {
		return false
	}
	if err := s.sink.Send(record); err != nil {
		slog.Debug("subscriber write failed", "error", err)
		s.failed = true
		return false
	}
	return true
}

// enqueue hands one live record to the subscriber: queued while the
// replay pass is still running, delivered immediately once live.
func (s *subscriber) enqueue(q queued) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.failed || s.sinkClosed {
		return
	}
	if !s.live {
		s.pending = append(s.pending, q)
		return
	}
	s.deliverLocked(q)
}

func (s *subscriber) deliverLocked(q queued) {
	switch {
	case q.header != nil:
		if s.sentHeader {
			return
		}
		record, err := q.header.Encode()
		if err != nil {
			slog.Debug("failed to encode header", "error", err)
			return
		}
		if s.writeLocked(record) {
			s.sentHeader = true
		}

	case q.ev != nil && q.ev.Type == cast.EventExit:
		record, err := q.ev.Encode(0)
		if err == nil {
			s.writeLocked(record)
		}
		s.closeSinkLocked()

	case q.ev != nil:
		record, err := q.ev.Encode(q.at.Sub(s.startTime).Seconds())
		if err != nil {
			slog.Debug("failed to encode event", "error", err)
			return
		}
		s.writeLocked(record)

	default:
		// Raw non-JSON writer output is preserved as a synthetic
		// output event.
		record, err := json.Marshal([]any{q.at.Sub(s.startTime).Seconds(), string(cast.EventOutput), string(q.raw)})
		if err != nil {
			slog.Debug("failed to encode raw line", "error", err)
			return
		}
		s.writeLocked(record)
	}
}

// markLive drains the pending queue and switches the subscriber to
// direct delivery. Called exactly once, when the replay pass finishes.
func (s *subscriber) markLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		return
	}
	s.live = true
	pending := s.pending
	s.pending = nil
	for _, q := range pending {
		if s.removed || s.failed || s.sinkClosed {
			break
		}
		s.deliverLocked(q)
	}
}

// closeSink ends the subscriber's stream after an exit event.
func (s *subscriber) closeSink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSinkLocked()
}

func (s *subscriber) closeSinkLocked() {
	if s.sinkClosed {
		return
	}
	s.sinkClosed = true
	if err := s.sink.Close(); err != nil {
		slog.Debug("failed to close sink", "error", err)
	}
}

// remove detaches the subscriber. Once it returns, no further writes to
// the sink will occur from the broadcast or replay paths.
func (s *subscriber) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.pending = nil
}
