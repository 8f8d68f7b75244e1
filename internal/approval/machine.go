// Package approval implements the sequential multi-level approval state
// machine. It performs no I/O: callers load a ledger, ask for a decision and
// persist the returned record themselves.
package approval

import (
	"fmt"
	"time"
)

// Decide applies action at level on behalf of approver. Preconditions are
// checked in order: authorisation, ordering, then the level's own state. The
// input ledger is never mutated.
func Decide(ledger Ledger, level int, action Action, approver ApproverIdentity, comments string, at time.Time) (Decision, error) {
	if !action.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if approver.ApprovalLevel != level {
		return Decision{}, fmt.Errorf("%w: user %d holds level %d, action targets level %d", ErrUnauthorized, approver.UserID, approver.ApprovalLevel, level)
	}
	next := ledger.Sorted()
	idx := next.index(level)
	if idx < 0 {
		return Decision{}, fmt.Errorf("%w: level %d of %s", ErrUnknownLevel, level, ledger.Key)
	}
	for _, lower := range next.Levels[:idx] {
		if lower.Status != StatusApproved {
			return Decision{}, fmt.Errorf("%w: level %d is %s", ErrOutOfOrder, lower.Level, lower.Status)
		}
	}
	current := next.Levels[idx]
	if current.Status != StatusPending {
		return Decision{}, fmt.Errorf("%w: level %d is %s", ErrAlreadyDecided, level, current.Status)
	}

	rec := LevelRecord{
		Level:      level,
		ApproverID: approver.UserID,
		DecidedAt:  at,
		Comments:   comments,
	}
	var effect Effect
	switch action {
	case ActionApprove:
		rec.Status = StatusApproved
		if idx == len(next.Levels)-1 {
			effect = FullyApproved(level)
		} else {
			effect = AdvancedTo(next.Levels[idx+1].Level)
		}
	case ActionReject:
		rec.Status = StatusRejected
		effect = Rejected(level)
	}
	next.Levels[idx] = rec
	return Decision{Ledger: next, Record: rec, Previous: current.Status, Effect: effect}, nil
}

// Revert returns level to pending when it is approved and is the highest
// approved level. Reverting a pending level is a no-op reported through the
// changed flag.
func Revert(ledger Ledger, level int) (Ledger, bool, error) {
	next := ledger.Sorted()
	idx := next.index(level)
	if idx < 0 {
		return ledger, false, fmt.Errorf("%w: level %d of %s", ErrUnknownLevel, level, ledger.Key)
	}
	switch next.Levels[idx].Status {
	case StatusPending:
		return next, false, nil
	case StatusRejected:
		return ledger, false, fmt.Errorf("%w: level %d is rejected", ErrNotReversible, level)
	}
	for _, upper := range next.Levels[idx+1:] {
		if upper.Status == StatusApproved {
			return ledger, false, fmt.Errorf("%w: level %d is approved above level %d", ErrNotReversible, upper.Level, level)
		}
	}
	next.Levels[idx] = LevelRecord{Level: level, Status: StatusPending}
	return next, true, nil
}
