package transfer

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/dustin/go-humanize"

	"sftpflow/pkg/conflict"
	"sftpflow/pkg/content"
	"sftpflow/pkg/flow"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/params"
	"sftpflow/pkg/provenance"
	"sftpflow/pkg/remote"
)

const DefaultBatchSize = 500

// Attributes added to records that were uploaded.
const (
	AttrRemoteFilename = "sftp.remote.filename"
	AttrRemotePath     = "sftp.remote.path"
)

// Reasons a batch stopped taking records.
const (
	StopUnscheduled  = "unscheduled"
	StopBatchSize    = "batch size reached"
	StopBackPressure = "back pressure"
	StopQueueEmpty   = "queue empty"
	StopFailure      = "failure"
)

// Relationships is the full set of relationships a transfer routes to.
var Relationships = []flow.Relationship{flow.RelSuccess, flow.RelFailure, flow.RelReject}

type Config struct {
	Connection        params.Template
	Conflict          conflict.Policy
	RejectZeroByte    bool
	BatchSize         int
	CreateDirectories bool
}

type Result struct {
	Handled int
	Routed  map[flow.Relationship]int
	// Yield asks the scheduler to back off before the next batch.
	Yield      bool
	StopReason string
}

// Loop uploads pending records over a single connection per batch.
type Loop struct {
	cfg        Config
	resolver   *params.Resolver
	dialer     remote.Dialer
	content    content.Opener
	provenance provenance.Reporter
	logger     *logger.Logger

	// Scheduled reports whether the loop may keep taking records. A nil
	// func means it always may.
	Scheduled func() bool
}

func NewLoop(cfg Config, dialer remote.Dialer, opener content.Opener, reporter provenance.Reporter, log *logger.Logger) *Loop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Conflict == "" {
		cfg.Conflict = conflict.PolicyNone
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Loop{
		cfg:        cfg,
		resolver:   params.NewResolver(false),
		dialer:     dialer,
		content:    opener,
		provenance: reporter,
		logger:     log.With(map[string]any{"component": "transfer"}),
	}
}

// Run drains up to BatchSize records from session. It returns an error,
// with Yield set, when the batch was abandoned.
func (l *Loop) Run(ctx context.Context, session flow.Session) (*Result, error) {
	res := &Result{Routed: make(map[flow.Relationship]int)}
	conn := &connection{dialer: l.dialer, logger: l.logger}
	defer conn.close()

	for {
		if reason := l.stopReason(ctx, session, res); reason != "" {
			res.StopReason = reason
			break
		}

		rec, err := session.Get(ctx)
		if err != nil {
			res.Yield = true
			return res, fmt.Errorf("get next record: %w", err)
		}
		if rec == nil {
			res.StopReason = StopQueueEmpty
			break
		}
		res.Handled++

		if err := l.process(ctx, session, conn, rec, res); err != nil {
			res.Yield = true
			res.StopReason = StopFailure
			return res, err
		}
	}

	if res.Handled > 0 {
		l.logger.Info("transfer batch completed", map[string]any{
			"handled": res.Handled,
			"success": res.Routed[flow.RelSuccess],
			"reject":  res.Routed[flow.RelReject],
			"failure": res.Routed[flow.RelFailure],
			"stop":    res.StopReason,
		})
	}
	return res, nil
}

func (l *Loop) stopReason(ctx context.Context, session flow.Session, res *Result) string {
	if ctx.Err() != nil || (l.Scheduled != nil && !l.Scheduled()) {
		return StopUnscheduled
	}
	if res.Handled >= l.cfg.BatchSize {
		return StopBatchSize
	}
	available, err := session.AvailableRelationships(ctx, Relationships)
	if err != nil {
		l.logger.Error("failed to check relationship availability", err, nil)
		return StopBackPressure
	}
	if len(available) != len(Relationships) {
		return StopBackPressure
	}
	return ""
}

func (l *Loop) process(ctx context.Context, session flow.Session, conn *connection, rec *flow.Record, res *Result) error {
	p, err := l.resolver.Resolve(l.cfg.Connection, rec)
	if err != nil {
		return l.abandon(ctx, session, conn, rec, res, err)
	}

	client, err := conn.get(ctx, p)
	if err != nil {
		return l.abandon(ctx, session, conn, rec, res, err)
	}

	dir := p.RemotePath
	if dir == "" {
		if dir, err = client.HomeDirectory(ctx); err != nil {
			return l.abandon(ctx, session, conn, rec, res, err)
		}
	}

	filename := rec.Attribute(flow.AttrFilename)
	if filename == "" {
		filename = rec.ID
	}

	size := rec.Size
	if size == 0 && rec.ContentRef != "" {
		if size, err = l.content.Stat(ctx, rec.ContentRef); err != nil {
			return l.abandon(ctx, session, conn, rec, res, err)
		}
	}

	resolution, err := conflict.Decide(ctx, client, conflict.Request{
		Policy:         l.cfg.Conflict,
		Dir:            dir,
		Filename:       filename,
		Size:           size,
		RejectZeroByte: l.cfg.RejectZeroByte,
	})
	if err != nil {
		return l.abandon(ctx, session, conn, rec, res, err)
	}

	switch resolution.Outcome {
	case conflict.OutcomeTransfer:
		if err := l.upload(ctx, client, p, dir, resolution.Filename, rec); err != nil {
			return l.abandon(ctx, session, conn, rec, res, err)
		}
	case conflict.OutcomeFail:
		conflictErr := flow.NewError(flow.ErrorTypeConflict, fmt.Sprintf("%s: %s", resolution.Reason, path.Join(dir, filename)), nil)
		rec.PutAttributes(map[string]string{flow.AttrExceptionReport: flow.ExceptionReport(conflictErr)})
	}

	rel := resolution.Relationship()
	if rel != flow.RelSuccess {
		rec.EnsureCoreAttributes()
		l.logger.Warn("record not transferred", map[string]any{
			"record_id":    rec.ID,
			"filename":     filename,
			"outcome":      string(resolution.Outcome),
			"reason":       resolution.Reason,
			"relationship": string(rel),
		})
	}
	if resolution.Penalize {
		rec = session.Penalize(rec)
	}
	session.Transfer(rec, rel)
	if err := session.Commit(ctx); err != nil {
		_ = session.Rollback(ctx)
		return flow.NewError(flow.ErrorTypeState, "commit transfer outcome", err)
	}
	res.Routed[rel]++
	return nil
}

func (l *Loop) upload(ctx context.Context, client remote.Client, p *params.ConnectionParameters, dir, filename string, rec *flow.Record) error {
	if l.cfg.CreateDirectories {
		if err := client.MkdirAll(ctx, dir); err != nil {
			return err
		}
	}

	body, size, err := l.content.Open(ctx, rec.ContentRef)
	if err != nil {
		return err
	}
	defer body.Close()

	start := time.Now()
	remotePath, err := client.Put(ctx, dir, filename, body)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	rec.PutAttributes(map[string]string{
		AttrRemoteFilename: filename,
		AttrRemotePath:     remotePath,
	})
	provenance.Send(ctx, l.provenance, rec, provenance.RemoteURI(l.dialer.Protocol(), p.Host, remotePath), elapsed)

	l.logger.Info("transferred record", map[string]any{
		"record_id":   rec.ID,
		"host":        p.Host,
		"remote_path": remotePath,
		"size":        humanize.Bytes(uint64(size)),
		"elapsed_ms":  elapsed.Milliseconds(),
		"rate":        dataRate(size, elapsed),
	})
	return nil
}

// abandon routes rec to failure with the root cause of err, closes the
// connection and returns err so the rest of the batch is left queued.
func (l *Loop) abandon(ctx context.Context, session flow.Session, conn *connection, rec *flow.Record, res *Result, cause error) error {
	report := flow.ExceptionReport(cause)
	l.logger.Error("transfer failed, abandoning batch", cause, map[string]any{
		"record_id":        rec.ID,
		"exception_report": report,
		"retryable":        flow.IsRetryableError(cause),
	})

	conn.close()

	rec.EnsureCoreAttributes()
	rec.PutAttributes(map[string]string{flow.AttrExceptionReport: report})
	session.Transfer(session.Penalize(rec), flow.RelFailure)
	if err := session.Commit(ctx); err != nil {
		l.logger.Error("failed to route record to failure", err, map[string]any{"record_id": rec.ID})
		_ = session.Rollback(ctx)
		return cause
	}
	res.Routed[flow.RelFailure]++
	return cause
}

func dataRate(size int64, elapsed time.Duration) string {
	if size <= 0 {
		return "0 B/s"
	}
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = time.Millisecond.Seconds()
	}
	return humanize.Bytes(uint64(float64(size)/seconds)) + "/s"
}

// connection keeps one client open across records that share an endpoint.
type connection struct {
	dialer remote.Dialer
	logger *logger.Logger
	client remote.Client
	params *params.ConnectionParameters
}

func (c *connection) get(ctx context.Context, p *params.ConnectionParameters) (remote.Client, error) {
	if c.client != nil && c.params.SameEndpoint(p) {
		return c.client, nil
	}
	c.close()

	client, err := c.dialer.Dial(ctx, p)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.params = p
	return client, nil
}

func (c *connection) close() {
	if c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Warn("failed to close remote connection", map[string]any{"host": c.params.Host, "error": err.Error()})
	}
	c.client = nil
	c.params = nil
}
