// Package eventlog keeps an in-memory, append-only record of orchestration,
// task and sync events. Components receive a Recorder (as a domain.EventSink)
// at construction; there is no process-wide bus.
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"forkmesh/internal/domain"
)

const defaultBufferSize = 1024

// Publisher forwards events beyond this process, e.g. to other cluster nodes.
type Publisher interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// Recorder appends events to a bounded ring buffer and writes each one to
// the structured log.
type Recorder struct {
	buf    *ring[domain.Event]
	logger *slog.Logger

	mu         sync.RWMutex
	publishers []Publisher
}

var _ domain.EventSink = (*Recorder)(nil)

// New creates a recorder keeping the newest bufferSize events.
func New(bufferSize int, logger *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{buf: newRing[domain.Event](bufferSize), logger: logger}
}

// AddPublisher registers an additional destination for every event.
func (r *Recorder) AddPublisher(p Publisher) {
	r.mu.Lock()
	r.publishers = append(r.publishers, p)
	r.mu.Unlock()
}

// Emit implements domain.EventSink. Publisher failures are logged, never returned.
func (r *Recorder) Emit(ctx context.Context, ev domain.Event) {
	r.buf.append(ev)
	r.logger.LogAttrs(ctx, levelFor(ev.Type), "event",
		slog.String("type", string(ev.Type)),
		slog.String("subject", ev.Subject),
		slog.String("payload", string(ev.Payload)),
	)

	r.mu.RLock()
	pubs := r.publishers
	r.mu.RUnlock()
	for _, p := range pubs {
		if err := p.PublishEvent(ctx, ev); err != nil {
			r.logger.Warn("event publish failed", "type", string(ev.Type), "error", err)
		}
	}
}

// Recent returns up to n of the newest events, oldest first. n <= 0 returns all.
func (r *Recorder) Recent(n int) []domain.Event { return r.buf.last(n) }

// Since returns events with a sequence number >= seq, for incremental readers.
// Pair it with Total to learn the next sequence number.
func (r *Recorder) Since(seq int64) []domain.Event { return r.buf.since(seq) }

// Total returns the number of events ever recorded.
func (r *Recorder) Total() int64 { return r.buf.total() }

// Len returns the number of events currently held.
func (r *Recorder) Len() int { return r.buf.len() }

// Filter returns held events of the given type, oldest first.
func (r *Recorder) Filter(typ domain.EventType) []domain.Event {
	var out []domain.Event
	for _, ev := range r.buf.last(0) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func levelFor(t domain.EventType) slog.Level {
	switch t {
	case domain.EventAgentError, domain.EventTaskFailed, domain.EventSyncFailed:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
