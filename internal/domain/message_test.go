package domain

import (
	"encoding/json"
	"sort"
	"testing"
	"time"
)

func TestAgentMessageJSONOmitsEmptyPayload(t *testing.T) {
	msg := AgentMessage{ID: "m1", FromAgent: "a", ToAgent: "b", Type: "ping"}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["payload"]; ok {
		t.Errorf("payload should be omitted, got %s", data)
	}
	if fields["read"] != false {
		t.Errorf("read = %v, want false", fields["read"])
	}
}

func TestFormatTimeSortsLikeTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(time.Second),
		base,
		base.Add(1500 * time.Millisecond),
		base.Add(time.Nanosecond),
		base.In(time.FixedZone("X", 3600)).Add(-time.Hour),
	}
	texts := make([]string, len(times))
	for i, tm := range times {
		texts[i] = FormatTime(tm)
		if len(texts[i]) != len(TimeLayout) {
			t.Errorf("FormatTime(%v) = %q, not fixed width", tm, texts[i])
		}
	}
	sort.Strings(texts)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := range times {
		if got := ParseTime(texts[i]); !got.Equal(times[i]) {
			t.Errorf("position %d: text %q parses to %v, want %v", i, texts[i], got, times[i])
		}
	}
}

func TestParseTimeInvalid(t *testing.T) {
	if got := ParseTime("yesterday"); !got.IsZero() {
		t.Errorf("ParseTime(invalid) = %v, want zero", got)
	}
}

func TestNewIDIsMonotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		id := NewID()
		if id <= prev {
			t.Fatalf("id %q not after %q", id, prev)
		}
		prev = id
	}
}
