package conflict

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/remote"
)

// MaxRenameAttempts bounds the "<n>.<filename>" candidates RENAME probes
// before rejecting.
const MaxRenameAttempts = 99

type Policy string

const (
	PolicyNone    Policy = "NONE"
	PolicyReject  Policy = "REJECT"
	PolicyReplace Policy = "REPLACE"
	PolicyRename  Policy = "RENAME"
	PolicyIgnore  Policy = "IGNORE"
	PolicyFail    Policy = "FAIL"
)

var Policies = []Policy{PolicyNone, PolicyReject, PolicyReplace, PolicyRename, PolicyIgnore, PolicyFail}

// ParsePolicy accepts a policy name in any case. The empty string is NONE.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PolicyNone, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", flow.NewError(flow.ErrorTypeConfiguration, fmt.Sprintf("unknown conflict resolution %q", s), nil)
}

type Outcome string

const (
	OutcomeTransfer      Outcome = "TRANSFER"
	OutcomeReject        Outcome = "REJECT"
	OutcomeSkipAsSuccess Outcome = "SKIP_AS_SUCCESS"
	OutcomeFail          Outcome = "FAIL"
)

type Resolution struct {
	Outcome  Outcome
	Filename string
	Penalize bool
	Reason   string
}

// Relationship is where a record that is not transferred is routed.
func (r Resolution) Relationship() flow.Relationship {
	switch r.Outcome {
	case OutcomeReject:
		return flow.RelReject
	case OutcomeFail:
		return flow.RelFailure
	default:
		return flow.RelSuccess
	}
}

// Remote is the part of a remote.Client conflict resolution needs.
type Remote interface {
	Stat(ctx context.Context, dir, name string) (*remote.Entry, error)
	Delete(ctx context.Context, dir, name string) error
}

type Request struct {
	Policy         Policy
	Dir            string
	Filename       string
	Size           int64
	RejectZeroByte bool
}

// Decide resolves a naming conflict against the live remote state. Lookup
// and delete errors are returned as they are; they are transport failures
// of the connection, not conflicts.
func Decide(ctx context.Context, r Remote, req Request) (Resolution, error) {
	if req.RejectZeroByte && req.Size == 0 {
		return Resolution{Outcome: OutcomeReject, Filename: req.Filename, Penalize: true, Reason: "zero byte file"}, nil
	}
	if req.Policy == PolicyNone || req.Policy == "" {
		return transfer(req.Filename), nil
	}

	existing, err := r.Stat(ctx, req.Dir, req.Filename)
	if err != nil {
		return Resolution{}, err
	}
	if existing == nil {
		return transfer(req.Filename), nil
	}
	if existing.IsDir {
		return reject(req.Filename, "remote directory with the same name exists"), nil
	}

	switch req.Policy {
	case PolicyReject:
		return reject(req.Filename, "remote file exists"), nil
	case PolicyReplace:
		if err := r.Delete(ctx, req.Dir, req.Filename); err != nil {
			return Resolution{}, err
		}
		return transfer(req.Filename), nil
	case PolicyRename:
		for i := 1; i <= MaxRenameAttempts; i++ {
			candidate := strconv.Itoa(i) + "." + req.Filename
			taken, err := r.Stat(ctx, req.Dir, candidate)
			if err != nil {
				return Resolution{}, err
			}
			if taken == nil {
				return transfer(candidate), nil
			}
		}
		return reject(req.Filename, fmt.Sprintf("no unique name after %d rename attempts", MaxRenameAttempts)), nil
	case PolicyIgnore:
		return Resolution{Outcome: OutcomeSkipAsSuccess, Filename: req.Filename, Reason: "remote file exists"}, nil
	case PolicyFail:
		return Resolution{Outcome: OutcomeFail, Filename: req.Filename, Penalize: true, Reason: "remote file exists"}, nil
	default:
		return Resolution{}, flow.NewError(flow.ErrorTypeConfiguration, fmt.Sprintf("unknown conflict resolution %q", req.Policy), nil)
	}
}

func transfer(name string) Resolution {
	return Resolution{Outcome: OutcomeTransfer, Filename: name}
}

func reject(name, reason string) Resolution {
	return Resolution{Outcome: OutcomeReject, Filename: name, Reason: reason}
}
