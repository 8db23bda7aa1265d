package flow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExceptionReport(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "typed root cause",
			err:      NewError(ErrorTypeConnection, "dial ssh", fmt.Errorf("dial tcp: %w", dnsErr)),
			expected: "net.DNSError: lookup nowhere.invalid: no such host",
		},
		{
			name:     "anonymous root falls back to classification",
			err:      fmt.Errorf("put file: %w", NewError(ErrorTypeTransport, "write remote file", errors.New("broken pipe"))),
			expected: "TransportError: broken pipe",
		},
		{
			name:     "classified error without cause",
			err:      NewError(ErrorTypeConfiguration, "username is required", nil),
			expected: "ConfigurationError: username is required",
		},
		{
			name:     "plain error",
			err:      errors.New("boom"),
			expected: "Error: boom",
		},
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExceptionReport(tt.err))
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(NewError(ErrorTypeConnection, "dial", nil)))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", NewError(ErrorTypeTransport, "put", nil))))
	assert.False(t, IsRetryableError(NewError(ErrorTypeConfiguration, "missing", nil)))
	assert.False(t, IsRetryableError(NewError(ErrorTypeConflict, "exists", nil)))
	assert.False(t, IsRetryableError(errors.New("unclassified")))
	assert.False(t, IsRetryableError(nil))
}

func TestRetryable(t *testing.T) {
	rec := NewRecord(nil)
	assert.True(t, Retryable(rec))

	rec.PutAttributes(map[string]string{AttrExceptionReport: ExceptionReport(NewError(ErrorTypeTransport, "write failed", nil))})
	assert.True(t, Retryable(rec))

	rec.PutAttributes(map[string]string{AttrExceptionReport: ExceptionReport(NewError(ErrorTypeConflict, "remote file exists: /out/a.csv", nil))})
	assert.False(t, Retryable(rec))
}

func TestRecordChildInheritsAttributes(t *testing.T) {
	parent := NewRecord(map[string]string{"sftp.remote.host": "example.org", AttrFilename: "in.txt"})
	child := parent.Child()

	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, "example.org", child.Attribute("sftp.remote.host"))
	assert.Equal(t, "in.txt", child.Attribute(AttrFilename))
	assert.Equal(t, child.ID, child.Attribute(AttrUUID))

	var none *Record
	assert.NotNil(t, none.Child())
	assert.Empty(t, none.Attribute(AttrFilename))
}

func TestEnsureCoreAttributes(t *testing.T) {
	rec := NewRecord(nil)
	rec.EnsureCoreAttributes()
	assert.Equal(t, rec.ID, rec.Attribute(AttrFilename))
	assert.Equal(t, "./", rec.Attribute(AttrPath))

	named := NewRecord(map[string]string{AttrFilename: "a.csv", AttrPath: "/out/"})
	named.EnsureCoreAttributes()
	assert.Equal(t, "a.csv", named.Attribute(AttrFilename))
	assert.Equal(t, "/out/", named.Attribute(AttrPath))
}

func TestMemorySessionCommitAndPenalty(t *testing.T) {
	ctx := context.Background()
	session := NewMemorySession(time.Minute)

	first := NewRecord(nil)
	second := NewRecord(nil)
	session.Enqueue(first, second)

	rec, err := session.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, rec.ID)

	session.Transfer(session.Penalize(rec), RelFailure)
	assert.Empty(t, session.Outputs(RelFailure), "staged transfers are invisible before commit")
	require.NoError(t, session.Commit(ctx))
	assert.Len(t, session.Outputs(RelFailure), 1)
	assert.True(t, session.Outputs(RelFailure)[0].IsPenalized(time.Now()))

	rec, err = session.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, rec.ID)
	assert.Error(t, session.Commit(ctx), "unaccounted in-flight record must fail the commit")

	require.NoError(t, session.Rollback(ctx))
	assert.Equal(t, 1, session.Pending())
}

func TestMemorySessionSkipsPenalizedRecords(t *testing.T) {
	ctx := context.Background()
	session := NewMemorySession(time.Hour)

	penalized := session.Penalize(NewRecord(nil))
	ready := NewRecord(nil)
	session.Enqueue(penalized, ready)

	rec, err := session.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, ready.ID, rec.ID)

	session.Remove(rec)
	require.NoError(t, session.Commit(ctx))

	rec, err = session.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemorySessionBackpressure(t *testing.T) {
	ctx := context.Background()
	session := NewMemorySession(0)
	session.SetBackpressure(RelSuccess, 1)

	all := []Relationship{RelSuccess, RelFailure}
	available, err := session.AvailableRelationships(ctx, all)
	require.NoError(t, err)
	assert.ElementsMatch(t, all, available)

	session.Enqueue(NewRecord(nil))
	rec, err := session.Get(ctx)
	require.NoError(t, err)
	session.Transfer(rec, RelSuccess)
	require.NoError(t, session.Commit(ctx))

	available, err = session.AvailableRelationships(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, []Relationship{RelFailure}, available)
}
