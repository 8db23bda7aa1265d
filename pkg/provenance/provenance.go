package provenance

import (
	"context"
	"strings"
	"time"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/logger"
)

type EventType string

const (
	EventCreate EventType = "CREATE"
	EventSend   EventType = "SEND"
)

type Event struct {
	Type      EventType     `json:"type"`
	RecordID  string        `json:"record_id"`
	Filename  string        `json:"filename,omitempty"`
	URI       string        `json:"uri,omitempty"`
	Details   string        `json:"details,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Reporter records lineage events. Reporting never fails the operation
// being reported; implementations log their own errors.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// Create reports that rec was created by the reporting component.
func Create(ctx context.Context, r Reporter, rec *flow.Record, details string) {
	if r == nil {
		return
	}
	r.Report(ctx, Event{
		Type:      EventCreate,
		RecordID:  rec.ID,
		Filename:  rec.Attribute(flow.AttrFilename),
		Details:   details,
		Timestamp: time.Now().UTC(),
	})
}

// RemoteURI names a file on a remote host. Relative paths are rooted so the
// host and path stay separated.
func RemoteURI(protocol, host, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return protocol + "://" + host + path
}

// Send reports that the content of rec was delivered to uri.
func Send(ctx context.Context, r Reporter, rec *flow.Record, uri string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.Report(ctx, Event{
		Type:      EventSend,
		RecordID:  rec.ID,
		Filename:  rec.Attribute(flow.AttrFilename),
		URI:       uri,
		Duration:  elapsed,
		Timestamp: time.Now().UTC(),
	})
}

type LogReporter struct {
	logger *logger.Logger
}

func NewLogReporter(log *logger.Logger) *LogReporter {
	if log == nil {
		log = logger.NewDefault()
	}
	return &LogReporter{logger: log}
}

func (r *LogReporter) Report(ctx context.Context, ev Event) {
	fields := map[string]any{
		"event":     string(ev.Type),
		"record_id": ev.RecordID,
	}
	if ev.Filename != "" {
		fields["filename"] = ev.Filename
	}
	if ev.URI != "" {
		fields["uri"] = ev.URI
	}
	if ev.Details != "" {
		fields["details"] = ev.Details
	}
	if ev.Duration > 0 {
		fields["duration_ms"] = ev.Duration.Milliseconds()
	}
	r.logger.Info("provenance event", fields)
}

// Multi fans an event out to every reporter.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, ev)
		}
	}
}
