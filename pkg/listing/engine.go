package listing

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/logger"
	"sftpflow/pkg/params"
	"sftpflow/pkg/provenance"
	"sftpflow/pkg/remote"
	"sftpflow/pkg/watermark"
)

// AttrDirectory is the listed file's path without its trailing filename.
const AttrDirectory = "directory"

type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateListing    State = "LISTING"
	StateFiltering  State = "FILTERING"
	StateEmitting   State = "EMITTING"
	StateCommitting State = "COMMITTING"
	StateFailed     State = "FAILED"
)

type Config struct {
	Connection params.Template
	// Filter is a regular expression matched against the whole filename. It
	// may contain ${name} placeholders.
	Filter string
}

type Result struct {
	Key       string
	Listed    int
	Emitted   int
	NoMatch   bool
	Watermark *watermark.Watermark
	// Yield asks the scheduler to back off before the next pass.
	Yield bool

	committed  bool
	rolledBack bool
}

// Engine runs incremental listing passes over one remote directory.
// Passes on the same Engine never overlap.
type Engine struct {
	cfg        Config
	resolver   *params.Resolver
	dialer     remote.Dialer
	store      watermark.Store
	provenance provenance.Reporter
	logger     *logger.Logger

	run      sync.Mutex
	mu       sync.Mutex
	state    State
	observer func(State)
}

func NewEngine(cfg Config, dialer remote.Dialer, store watermark.Store, reporter provenance.Reporter, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Engine{
		cfg:        cfg,
		resolver:   params.NewResolver(true),
		dialer:     dialer,
		store:      store,
		provenance: reporter,
		logger:     log.With(map[string]any{"component": "listing"}),
		state:      StateIdle,
	}
}

// Observe registers fn to be called on every state transition.
func (e *Engine) Observe(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	observer := e.observer
	e.mu.Unlock()

	e.logger.Debug("listing state changed", map[string]any{"state": string(s)})
	if observer != nil {
		observer(s)
	}
}

// Run performs one listing pass. The trigger record, if the session holds
// one, supplies attributes for templated parameters and is consumed.
func (e *Engine) Run(ctx context.Context, session flow.Session) (*Result, error) {
	if !e.run.TryLock() {
		return &Result{Yield: true}, flow.NewError(flow.ErrorTypeState, "listing pass already running", nil)
	}
	defer e.run.Unlock()

	trigger, err := session.Get(ctx)
	if err != nil {
		return &Result{Yield: true}, fmt.Errorf("get trigger record: %w", err)
	}
	if trigger == nil {
		e.logger.Debug("no trigger record, listing with configured parameters", nil)
	}

	res := &Result{}
	if err := e.pass(ctx, session, trigger, res); err != nil {
		return e.fail(ctx, session, trigger, res, err)
	}
	e.setState(StateIdle)
	return res, nil
}

func (e *Engine) pass(ctx context.Context, session flow.Session, trigger *flow.Record, res *Result) error {
	e.setState(StateConnecting)

	p, err := e.resolver.Resolve(e.cfg.Connection, trigger)
	if err != nil {
		return err
	}
	pattern := e.resolver.ResolveString(e.cfg.Filter, trigger)
	filter, err := compileFilter(pattern)
	if err != nil {
		return err
	}

	client, err := e.dialer.Dial(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			e.logger.Warn("failed to close remote connection", map[string]any{"host": p.Host, "error": err.Error()})
		}
	}()

	e.setState(StateListing)
	entries, err := client.List(ctx, p.RemotePath)
	if err != nil {
		return err
	}
	res.Listed = len(entries)

	e.setState(StateFiltering)
	files := make([]remote.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir || !entry.IsRegular {
			continue
		}
		if filter != nil && !filter.MatchString(entry.Name) {
			continue
		}
		files = append(files, entry)
	}

	res.Key = watermark.Key(p.Host, p.Port, p.RemotePath, pattern)
	prev, err := e.store.Load(ctx, res.Key)
	if err != nil {
		return flow.NewError(flow.ErrorTypeState, "load watermark", err)
	}

	fresh := make([]remote.Entry, 0, len(files))
	for _, f := range files {
		if prev.IsNew(f.Name, f.ModifiedAt) {
			fresh = append(fresh, f)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if !fresh[i].ModifiedAt.Equal(fresh[j].ModifiedAt) {
			return fresh[i].ModifiedAt.Before(fresh[j].ModifiedAt)
		}
		return fresh[i].Name < fresh[j].Name
	})

	e.setState(StateEmitting)
	if len(fresh) == 0 {
		out := trigger.Child()
		out.RemoveAttributes(flow.AttrFilename, flow.AttrPath, AttrDirectory)
		out.PutAttributes(p.Attributes())
		session.Transfer(out, flow.RelNoFile)
		res.NoMatch = true
	}
	for _, f := range fresh {
		out := trigger.Child()
		out.PutAttributes(p.Attributes())
		out.PutAttributes(map[string]string{
			flow.AttrFilename: f.Name,
			flow.AttrPath:     f.FullPath,
			AttrDirectory:     strings.TrimSuffix(f.FullPath, f.Name),
		})
		out.Size = int64(f.Size)
		session.Transfer(out, flow.RelSuccess)
		provenance.Create(ctx, e.provenance, out, "listed from "+provenance.RemoteURI(e.dialer.Protocol(), p.Host, f.FullPath))
		res.Emitted++
	}
	if trigger != nil {
		session.Remove(trigger)
	}

	e.setState(StateCommitting)
	if err := session.Commit(ctx); err != nil {
		if rbErr := session.Rollback(ctx); rbErr != nil {
			e.logger.Error("failed to roll back listing session", rbErr, nil)
		}
		res.rolledBack = true
		return flow.NewError(flow.ErrorTypeState, "commit listing outputs", err)
	}

	res.committed = true

	next := watermark.Advance(prev, p.RemotePath, files)
	res.Watermark = next
	if prev == nil || !next.Equal(prev) {
		if err := e.store.Save(ctx, res.Key, next); err != nil {
			// Outputs are committed already; the next pass re-lists from prev
			// and may emit them again.
			e.logger.Error("failed to persist watermark after commit", err, map[string]any{
				"key":     res.Key,
				"emitted": res.Emitted,
			})
			return flow.NewError(flow.ErrorTypeState, "save watermark "+res.Key, err)
		}
	}

	e.logger.Info("listing pass completed", map[string]any{
		"host":    p.Host,
		"path":    p.RemotePath,
		"listed":  res.Listed,
		"emitted": res.Emitted,
	})
	return nil
}

func (e *Engine) fail(ctx context.Context, session flow.Session, trigger *flow.Record, res *Result, cause error) (*Result, error) {
	e.setState(StateFailed)
	res.Yield = true

	report := flow.ExceptionReport(cause)
	e.logger.Error("listing pass failed", cause, map[string]any{"exception_report": report})

	if trigger != nil && !res.committed && !res.rolledBack {
		failed := session.Penalize(trigger)
		failed.PutAttributes(map[string]string{flow.AttrExceptionReport: report})
		session.Transfer(failed, flow.RelFailure)
		if err := session.Commit(ctx); err != nil {
			e.logger.Error("failed to route trigger record to failure", err, map[string]any{"record_id": trigger.ID})
			_ = session.Rollback(ctx)
		}
	}

	e.setState(StateIdle)
	return res, cause
}

func compileFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, flow.NewError(flow.ErrorTypeConfiguration, fmt.Sprintf("invalid file filter %q", pattern), err)
	}
	return re, nil
}

// Watermark loads the stored watermark for the directory the configured
// parameters resolve to against attrs. It returns the key it looked up.
func (e *Engine) Watermark(ctx context.Context, attrs map[string]string) (*watermark.Watermark, string, error) {
	var rec *flow.Record
	if len(attrs) > 0 {
		rec = flow.NewRecord(attrs)
	}
	p, err := e.resolver.Resolve(e.cfg.Connection, rec)
	if err != nil {
		return nil, "", err
	}
	key := watermark.Key(p.Host, p.Port, p.RemotePath, e.resolver.ResolveString(e.cfg.Filter, rec))
	w, err := e.store.Load(ctx, key)
	if err != nil {
		return nil, key, flow.NewError(flow.ErrorTypeState, "load watermark", err)
	}
	return w, key, nil
}
