package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"forkmesh/internal/domain"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor colors a lifecycle status by how healthy it is.
func statusColor(status string) string {
	switch status {
	case string(domain.AgentRunning), string(domain.TaskCompleted): // SyncCompleted shares the same value
		return green(status)
	case string(domain.AgentError), string(domain.TaskFailed): // SyncFailed shares the same value
		return red(status)
	case string(domain.AgentStopped):
		return faint(status)
	default:
		return yellow(status)
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// readPayload returns raw, or the contents of the file it names when it
// starts with "@".
func readPayload(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if raw[0] == '@' {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// redact hides the password of URL-shaped DSNs.
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
