package conflict

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/remote"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) Stat(ctx context.Context, dir, name string) (*remote.Entry, error) {
	args := m.Called(dir, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*remote.Entry), args.Error(1)
}

func (m *mockRemote) Delete(ctx context.Context, dir, name string) error {
	return m.Called(dir, name).Error(0)
}

var (
	file = &remote.Entry{Name: "report.csv", IsRegular: true}
	dir  = &remote.Entry{Name: "report.csv", IsDir: true}
)

func TestZeroByteShortCircuits(t *testing.T) {
	for _, policy := range Policies {
		t.Run(string(policy), func(t *testing.T) {
			r := &mockRemote{}
			res, err := Decide(context.Background(), r, Request{Policy: policy, Dir: "/out", Filename: "empty", Size: 0, RejectZeroByte: true})
			require.NoError(t, err)
			assert.Equal(t, OutcomeReject, res.Outcome)
			assert.True(t, res.Penalize)
			r.AssertNotCalled(t, "Stat", mock.Anything, mock.Anything)
		})
	}
}

func TestNoneNeverQueriesRemote(t *testing.T) {
	r := &mockRemote{}
	res, err := Decide(context.Background(), r, Request{Policy: PolicyNone, Dir: "/out", Filename: "report.csv", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, Resolution{Outcome: OutcomeTransfer, Filename: "report.csv"}, res)
	r.AssertNotCalled(t, "Stat", mock.Anything, mock.Anything)
}

func TestPolicyTotality(t *testing.T) {
	tests := []struct {
		policy   Policy
		existing *remote.Entry
		outcome  Outcome
		penalize bool
		deletes  bool
	}{
		{PolicyReject, nil, OutcomeTransfer, false, false},
		{PolicyReject, dir, OutcomeReject, false, false},
		{PolicyReject, file, OutcomeReject, false, false},
		{PolicyReplace, nil, OutcomeTransfer, false, false},
		{PolicyReplace, dir, OutcomeReject, false, false},
		{PolicyReplace, file, OutcomeTransfer, false, true},
		{PolicyRename, nil, OutcomeTransfer, false, false},
		{PolicyRename, dir, OutcomeReject, false, false},
		{PolicyIgnore, nil, OutcomeTransfer, false, false},
		{PolicyIgnore, dir, OutcomeReject, false, false},
		{PolicyIgnore, file, OutcomeSkipAsSuccess, false, false},
		{PolicyFail, nil, OutcomeTransfer, false, false},
		{PolicyFail, dir, OutcomeReject, false, false},
		{PolicyFail, file, OutcomeFail, true, false},
	}

	for _, tt := range tests {
		kind := "absent"
		switch tt.existing {
		case dir:
			kind = "directory"
		case file:
			kind = "file"
		}
		name := fmt.Sprintf("%s/%s", tt.policy, kind)
		t.Run(name, func(t *testing.T) {
			r := &mockRemote{}
			if tt.existing == nil {
				r.On("Stat", "/out", "report.csv").Return(nil, nil).Once()
			} else {
				r.On("Stat", "/out", "report.csv").Return(tt.existing, nil).Once()
			}
			if tt.deletes {
				r.On("Delete", "/out", "report.csv").Return(nil).Once()
			}

			res, err := Decide(context.Background(), r, Request{Policy: tt.policy, Dir: "/out", Filename: "report.csv", Size: 3})
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.penalize, res.Penalize)
			assert.Equal(t, "report.csv", res.Filename)
			r.AssertExpectations(t)
		})
	}
}

func TestRenameUsesFirstFreeCandidate(t *testing.T) {
	r := &mockRemote{}
	r.On("Stat", "/out", "report.csv").Return(file, nil).Once()
	r.On("Stat", "/out", "1.report.csv").Return(nil, nil).Once()

	res, err := Decide(context.Background(), r, Request{Policy: PolicyRename, Dir: "/out", Filename: "report.csv", Size: 3})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransfer, res.Outcome)
	assert.Equal(t, "1.report.csv", res.Filename)
	r.AssertExpectations(t)
}

func TestRenameSaturationRejects(t *testing.T) {
	r := &mockRemote{}
	r.On("Stat", "/out", mock.Anything).Return(file, nil).Times(MaxRenameAttempts + 1)

	res, err := Decide(context.Background(), r, Request{Policy: PolicyRename, Dir: "/out", Filename: "report.csv", Size: 3})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReject, res.Outcome)
	assert.False(t, res.Penalize)
	r.AssertNumberOfCalls(t, "Stat", MaxRenameAttempts+1)
	r.AssertCalled(t, "Stat", "/out", "99.report.csv")
	r.AssertNotCalled(t, "Stat", "/out", "100.report.csv")
}

func TestLookupErrorsPropagate(t *testing.T) {
	lookupErr := flow.NewError(flow.ErrorTypeTransport, "stat /out/report.csv", assert.AnError)

	r := &mockRemote{}
	r.On("Stat", "/out", "report.csv").Return(nil, lookupErr).Once()
	_, err := Decide(context.Background(), r, Request{Policy: PolicyReject, Dir: "/out", Filename: "report.csv", Size: 1})
	assert.ErrorIs(t, err, assert.AnError)

	r = &mockRemote{}
	r.On("Stat", "/out", "report.csv").Return(file, nil).Once()
	r.On("Delete", "/out", "report.csv").Return(lookupErr).Once()
	_, err = Decide(context.Background(), r, Request{Policy: PolicyReplace, Dir: "/out", Filename: "report.csv", Size: 1})
	assert.True(t, flow.IsType(err, flow.ErrorTypeTransport))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("rename")
	require.NoError(t, err)
	assert.Equal(t, PolicyRename, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyNone, p)

	_, err = ParsePolicy("overwrite")
	assert.True(t, flow.IsType(err, flow.ErrorTypeConfiguration))
}

func TestResolutionRelationship(t *testing.T) {
	assert.Equal(t, flow.RelReject, Resolution{Outcome: OutcomeReject}.Relationship())
	assert.Equal(t, flow.RelFailure, Resolution{Outcome: OutcomeFail}.Relationship())
	assert.Equal(t, flow.RelSuccess, Resolution{Outcome: OutcomeSkipAsSuccess}.Relationship())
	assert.Equal(t, flow.RelSuccess, Resolution{Outcome: OutcomeTransfer}.Relationship())
}
