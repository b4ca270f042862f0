package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"forkmesh/internal/domain"
)

func openJournal(t *testing.T) (*FileJournal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestPublishAndRead(t *testing.T) {
	j, path := openJournal(t)
	ctx := context.Background()

	require.NoError(t, j.PublishEvent(ctx, domain.NewEvent(domain.EventSyncCreated, "job-1", map[string]string{"mode": "full"})))
	require.NoError(t, j.PublishEvent(ctx, domain.Event{Type: domain.EventSyncCompleted, Subject: "job-1"}))

	events, err := j.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSyncCreated, events[0].Type)
	assert.JSONEq(t, `{"mode":"full"}`, string(events[0].Payload))
	assert.False(t, events[1].Timestamp.IsZero(), "timestamp is filled in")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReadSkipsCorruptLines(t *testing.T) {
	j, path := openJournal(t)
	require.NoError(t, j.PublishEvent(context.Background(), domain.Event{Type: domain.EventSyncStarted}))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := j.Read()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPrune(t *testing.T) {
	j, _ := openJournal(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, j.PublishEvent(ctx, domain.Event{Type: domain.EventSyncCompleted, Subject: "old", Timestamp: old}))
	require.NoError(t, j.PublishEvent(ctx, domain.Event{Type: domain.EventSyncCompleted, Subject: "new"}))

	removed, err := j.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Still appendable after the rewrite.
	require.NoError(t, j.PublishEvent(ctx, domain.Event{Type: domain.EventSyncFailed, Subject: "later"}))
	events, err := j.Read()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "new", events[0].Subject)
	assert.Equal(t, "later", events[1].Subject)

	removed, err = j.Prune(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConcurrentPublish(t *testing.T) {
	j, _ := openJournal(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.PublishEvent(context.Background(), domain.Event{Type: domain.EventTaskCompleted}))
		}()
	}
	wg.Wait()

	events, err := j.Read()
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestPublishAfterClose(t *testing.T) {
	j, _ := openJournal(t)
	require.NoError(t, j.Close())
	assert.Error(t, j.PublishEvent(context.Background(), domain.Event{Type: domain.EventSyncStarted}))
}

func TestPublishAddsSpanEvent(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	j, _ := openJournal(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	require.NoError(t, j.PublishEvent(ctx, domain.Event{Type: domain.EventSyncStarted, Subject: "job-9"}))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "event."+string(domain.EventSyncStarted), spans[0].Events()[0].Name)
	assert.Equal(t, "job-9", spans[0].Events()[0].Attributes[0].Value.AsString())
}
