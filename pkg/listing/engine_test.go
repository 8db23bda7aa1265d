package listing

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/params"
	"sftpflow/pkg/provenance"
	"sftpflow/pkg/remote"
	"sftpflow/pkg/watermark"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	dialer *remote.FsDialer
	fs     afero.Fs
	store  *watermark.MemoryStore
	cfg    Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := remote.NewFsDialer()
	h := d.AddHost("sftp.local", &remote.FsHost{Username: "nutzer", Secret: "passwort"})
	require.NoError(t, h.Fs.MkdirAll("/in/sub", 0o755))
	return &fixture{
		dialer: d,
		fs:     h.Fs,
		store:  watermark.NewMemoryStore(),
		cfg: Config{
			Connection: params.Template{
				Host:       "sftp.local",
				Port:       "22",
				Username:   "nutzer",
				Password:   "passwort",
				RemotePath: "/in",
			},
		},
	}
}

func (f *fixture) put(t *testing.T, name string, modified time.Time) {
	t.Helper()
	p := "/in/" + name
	require.NoError(t, afero.WriteFile(f.fs, p, []byte(name), 0o644))
	require.NoError(t, f.fs.Chtimes(p, modified, modified))
}

func (f *fixture) engine() *Engine {
	return NewEngine(f.cfg, f.dialer, f.store, nil, nil)
}

func filenames(recs []*flow.Record) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Attribute(flow.AttrFilename))
	}
	return names
}

func TestFilterWithoutMatchEmitsNoFileRecord(t *testing.T) {
	f := newFixture(t)
	f.put(t, "file.txt", t0)
	f.cfg.Filter = `.*\.dat`

	engine := f.engine()
	var states []State
	engine.Observe(func(s State) { states = append(states, s) })

	session := flow.NewMemorySession(time.Minute)
	res, err := engine.Run(context.Background(), session)
	require.NoError(t, err)

	assert.True(t, res.NoMatch)
	assert.Equal(t, 0, res.Emitted)
	assert.Empty(t, session.Outputs(flow.RelSuccess))

	noFile := session.Outputs(flow.RelNoFile)
	require.Len(t, noFile, 1)
	attrs := noFile[0].Attributes
	assert.Equal(t, "sftp.local", attrs[params.AttrHost])
	assert.Equal(t, "22", attrs[params.AttrPort])
	assert.Equal(t, "nutzer", attrs[params.AttrUser])
	assert.NotContains(t, attrs, flow.AttrFilename)
	assert.NotContains(t, attrs, flow.AttrPath)
	assert.NotContains(t, attrs, AttrDirectory)

	assert.Equal(t, []State{StateConnecting, StateListing, StateFiltering, StateEmitting, StateCommitting, StateIdle}, states)
	assert.Equal(t, StateIdle, engine.State())
}

func TestListingIsIncrementalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "b.dat", t0.Add(time.Minute))
	f.put(t, "a.dat", t0)
	engine := f.engine()

	session := flow.NewMemorySession(time.Minute)
	res, err := engine.Run(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Listed, "the subdirectory is listed but never emitted")

	out := session.Outputs(flow.RelSuccess)
	require.Equal(t, []string{"a.dat", "b.dat"}, filenames(out))
	assert.Equal(t, "/in/a.dat", out[0].Attribute(flow.AttrPath))
	assert.Equal(t, "/in/", out[0].Attribute(AttrDirectory))
	assert.Equal(t, "sftp.local", out[0].Attribute(params.AttrHost))

	stored, err := f.store.Load(ctx, res.Key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, t0.Add(time.Minute).Equal(stored.NewestModifiedAt))
	assert.Equal(t, []string{"b.dat"}, stored.NamesAtNewest)

	second := flow.NewMemorySession(time.Minute)
	res, err = engine.Run(ctx, second)
	require.NoError(t, err)
	assert.True(t, res.NoMatch)
	assert.Len(t, second.Outputs(flow.RelNoFile), 1)

	again, err := f.store.Load(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Version, "an idle pass leaves the watermark untouched")

	f.put(t, "c.dat", t0.Add(time.Minute))
	f.put(t, "e.dat", t0.Add(2*time.Minute))
	f.put(t, "d.dat", t0.Add(2*time.Minute))
	f.put(t, "old.dat", t0.Add(-time.Hour))

	third := flow.NewMemorySession(time.Minute)
	_, err = engine.Run(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.dat", "d.dat", "e.dat"}, filenames(third.Outputs(flow.RelSuccess)))
}

func TestTriggerRecordDrivesTemplates(t *testing.T) {
	f := newFixture(t)
	f.put(t, "host01_a.csv", t0)
	f.put(t, "host02_a.csv", t0)
	f.cfg.Connection.Host = "${sftp.remote.host}"
	f.cfg.Filter = `${prefix}_.*\.csv`

	trigger := flow.NewRecord(map[string]string{"sftp.remote.host": "sftp.local", "prefix": "host01", "batch": "7"})
	session := flow.NewMemorySession(time.Minute)
	session.Enqueue(trigger)

	_, err := f.engine().Run(context.Background(), session)
	require.NoError(t, err)

	out := session.Outputs(flow.RelSuccess)
	require.Equal(t, []string{"host01_a.csv"}, filenames(out))
	assert.Equal(t, "7", out[0].Attribute("batch"), "outputs inherit trigger attributes")
	assert.NotEqual(t, trigger.ID, out[0].ID)
	assert.Equal(t, 0, session.Pending())
	assert.Empty(t, session.Outputs(flow.RelFailure))
}

func TestConnectionFailureRoutesTriggerToFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Connection.Host = "${sftp.remote.host}"

	trigger := flow.NewRecord(map[string]string{"sftp.remote.host": "nowhere.invalid"})
	session := flow.NewMemorySession(time.Minute)
	session.Enqueue(trigger)

	engine := f.engine()
	var states []State
	engine.Observe(func(s State) { states = append(states, s) })

	res, err := engine.Run(ctx, session)
	require.Error(t, err)
	assert.True(t, flow.IsType(err, flow.ErrorTypeConnection))
	assert.True(t, res.Yield)
	assert.Contains(t, states, StateFailed)
	assert.Equal(t, StateIdle, engine.State())

	failed := session.Outputs(flow.RelFailure)
	require.Len(t, failed, 1)
	assert.Equal(t, trigger.ID, failed[0].ID)
	assert.Equal(t, "net.DNSError: lookup nowhere.invalid: no such host", failed[0].Attribute(flow.AttrExceptionReport))
	assert.True(t, failed[0].IsPenalized(time.Now()))

	key := watermark.Key("nowhere.invalid", 22, "/in", "")
	w, err := f.store.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestMissingTemplatedHostWithoutTrigger(t *testing.T) {
	f := newFixture(t)
	f.cfg.Connection.Host = "${sftp.remote.host}"

	session := flow.NewMemorySession(time.Minute)
	res, err := f.engine().Run(context.Background(), session)
	require.Error(t, err)
	assert.True(t, flow.IsType(err, flow.ErrorTypeConfiguration))
	assert.True(t, res.Yield)
	assert.Equal(t, 0, f.dialer.Dials(), "no remote attempt on configuration errors")
	assert.Empty(t, session.Outputs(flow.RelFailure))
	assert.Empty(t, session.Outputs(flow.RelNoFile))
}

func TestInvalidFilter(t *testing.T) {
	f := newFixture(t)
	f.cfg.Filter = `([`

	_, err := f.engine().Run(context.Background(), flow.NewMemorySession(0))
	assert.True(t, flow.IsType(err, flow.ErrorTypeConfiguration))
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Load(ctx context.Context, key string) (*watermark.Watermark, error) {
	args := m.Called(key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*watermark.Watermark), args.Error(1)
}

func (m *mockStore) Save(ctx context.Context, key string, w *watermark.Watermark) error {
	return m.Called(key, w).Error(0)
}

func TestWatermarkSaveFailureKeepsCommittedOutputs(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a.dat", t0)

	store := &mockStore{}
	store.On("Load", mock.Anything).Return(nil, nil).Once()
	store.On("Save", mock.Anything, mock.Anything).Return(watermark.ErrVersionConflict).Once()

	trigger := flow.NewRecord(nil)
	session := flow.NewMemorySession(time.Minute)
	session.Enqueue(trigger)

	res, err := NewEngine(f.cfg, f.dialer, store, nil, nil).Run(context.Background(), session)
	require.Error(t, err)
	assert.ErrorIs(t, err, watermark.ErrVersionConflict)
	assert.True(t, res.Yield)

	assert.Equal(t, []string{"a.dat"}, filenames(session.Outputs(flow.RelSuccess)))
	assert.Empty(t, session.Outputs(flow.RelFailure), "the trigger was consumed by the committed pass")
	store.AssertExpectations(t)
}

func TestWatermarkLookupMatchesPassKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a.dat", t0)
	engine := f.engine()

	w, key, err := engine.Watermark(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, w)

	res, err := engine.Run(ctx, flow.NewMemorySession(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, res.Key, key)

	w, _, err = engine.Watermark(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, []string{"a.dat"}, w.NamesAtNewest)
}

type recordingReporter struct {
	events []provenance.Event
}

func (r *recordingReporter) Report(ctx context.Context, ev provenance.Event) {
	r.events = append(r.events, ev)
}

func TestRelativeRemotePathProvenance(t *testing.T) {
	f := newFixture(t)
	f.cfg.Connection.RemotePath = "in"
	require.NoError(t, f.fs.MkdirAll("in", 0o755))
	require.NoError(t, afero.WriteFile(f.fs, "in/a.csv", []byte("a"), 0o644))

	reporter := &recordingReporter{}
	engine := NewEngine(f.cfg, f.dialer, f.store, reporter, nil)

	session := flow.NewMemorySession(time.Minute)
	_, err := engine.Run(context.Background(), session)
	require.NoError(t, err)

	require.Len(t, reporter.events, 1)
	assert.Equal(t, provenance.EventCreate, reporter.events[0].Type)
	assert.Equal(t, "listed from sftp://sftp.local/in/a.csv", reporter.events[0].Details)
}
