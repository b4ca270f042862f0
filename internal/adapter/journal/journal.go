// Package journal persists lifecycle events as JSON lines so agent, task and
// sync history survives restarts of the in-memory event log.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/tracer"
)

const maxLine = 1024 * 1024

// FileJournal appends events to a JSONL file. It implements
// eventlog.Publisher.
type FileJournal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open appends to path, creating it with 0600 permissions.
func Open(path string) (*FileJournal, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &FileJournal{file: f, path: path}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// PublishEvent writes ev as one line and mirrors it onto the active span.
func (j *FileJournal) PublishEvent(ctx context.Context, ev domain.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	j.mu.Lock()
	if j.file == nil {
		j.mu.Unlock()
		return fmt.Errorf("journal: closed")
	}
	_, err = j.file.Write(append(data, '\n'))
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{tracer.StringAttr("event.subject", ev.Subject)}
		span.AddEvent("event."+string(ev.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Read returns every event in the journal, oldest first. Lines that do not
// decode are skipped.
func (j *FileJournal) Read() ([]domain.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return readEvents(j.path)
}

func readEvents(path string) ([]domain.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	var out []domain.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		var ev domain.Event
		if json.Unmarshal(sc.Bytes(), &ev) == nil {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return out, nil
}

// Prune rewrites the journal keeping only events newer than maxAge.
// It is safe to call while events are being published.
func (j *FileJournal) Prune(maxAge time.Duration) (removed int, err error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Close(); err != nil {
		return 0, fmt.Errorf("journal: close for pruning: %w", err)
	}
	// Always reopen for appending, whatever happens below.
	defer func() {
		f, openErr := openAppend(j.path)
		if openErr != nil && err == nil {
			err = fmt.Errorf("journal: reopen: %w", openErr)
		}
		j.file = f
	}()

	events, err := readEvents(j.path)
	if err != nil {
		return 0, err
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("journal: create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, ev := range events {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		line, _ := json.Marshal(ev)
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: write temp file: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: rename temp file: %w", err)
	}
	return removed, nil
}

// Close closes the journal file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
