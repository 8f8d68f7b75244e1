package approval

import (
	"fmt"
	"sort"
	"time"
)

// Status is the decision state of a single approval level.
type Status int

const (
	// StatusPending marks a level awaiting a decision.
	StatusPending Status = 1
	// StatusApproved marks an approved level.
	StatusApproved Status = 2
	// StatusRejected marks a rejected level.
	StatusRejected Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusApproved:
		return "APPROVED"
	case StatusRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// Action is an approver's decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Valid reports whether the action is supported.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

// Key identifies one approval unit: every document of a rec-type group that
// shares a record number is approved through a single ledger.
type Key struct {
	FiscalYear int
	CompanyID  string
	Group      string
	RecNumber  int
}

// String renders the key as year/company/group/number.
func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s/%d", k.FiscalYear, k.CompanyID, k.Group, k.RecNumber)
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.FiscalYear == 0 && k.CompanyID == "" && k.Group == "" && k.RecNumber == 0
}

// LevelRecord is the decision row for one level of a ledger.
type LevelRecord struct {
	Level      int
	Status     Status
	ApproverID int64
	DecidedAt  time.Time
	Comments   string
}

// Decided reports whether the level already carries a terminal decision.
func (r LevelRecord) Decided() bool {
	return r.Status != StatusPending
}

// Ledger is the ordered sequence of level records attached to an approval unit.
type Ledger struct {
	Key    Key
	Levels []LevelRecord
}

// NewLedger returns a ledger with levelCount pending levels numbered from 1.
func NewLedger(key Key, levelCount int) Ledger {
	levels := make([]LevelRecord, 0, levelCount)
	for i := 1; i <= levelCount; i++ {
		levels = append(levels, LevelRecord{Level: i, Status: StatusPending})
	}
	return Ledger{Key: key, Levels: levels}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (l Ledger) Clone() Ledger {
	levels := make([]LevelRecord, len(l.Levels))
	copy(levels, l.Levels)
	return Ledger{Key: l.Key, Levels: levels}
}

// Sorted returns a copy ordered by level number.
func (l Ledger) Sorted() Ledger {
	out := l.Clone()
	sort.Slice(out.Levels, func(i, j int) bool { return out.Levels[i].Level < out.Levels[j].Level })
	return out
}

// LevelCount returns the number of levels in the chain.
func (l Ledger) LevelCount() int {
	return len(l.Levels)
}

// Record returns the record at the given level.
func (l Ledger) Record(level int) (LevelRecord, bool) {
	idx := l.index(level)
	if idx < 0 {
		return LevelRecord{}, false
	}
	return l.Levels[idx], true
}

func (l Ledger) index(level int) int {
	for i, rec := range l.Levels {
		if rec.Level == level {
			return i
		}
	}
	return -1
}

// Validate checks the structural and ordering invariants of a ledger: levels
// are contiguous from 1, each appears once, and no level is approved while a
// lower level is not.
func (l Ledger) Validate() error {
	if len(l.Levels) == 0 {
		return fmt.Errorf("%w: ledger has no levels", ErrInvalidLedger)
	}
	sorted := l.Sorted()
	for i, rec := range sorted.Levels {
		if rec.Level != i+1 {
			return fmt.Errorf("%w: expected level %d, found %d", ErrInvalidLedger, i+1, rec.Level)
		}
		if !rec.Status.Valid() {
			return fmt.Errorf("%w: level %d has status %d", ErrInvalidLedger, rec.Level, int(rec.Status))
		}
	}
	for i, rec := range sorted.Levels {
		if rec.Status != StatusApproved {
			continue
		}
		for _, lower := range sorted.Levels[:i] {
			if lower.Status != StatusApproved {
				return fmt.Errorf("%w: level %d approved while level %d is %s", ErrInvalidLedger, rec.Level, lower.Level, lower.Status)
			}
		}
	}
	return nil
}

// Phase is the composite state of an approval unit.
type Phase string

const (
	PhasePending       Phase = "PENDING"
	PhaseFullyApproved Phase = "FULLY_APPROVED"
	PhaseRejected      Phase = "REJECTED"
)

// DocumentState is the derived state of an approval unit. Level is the
// lowest unresolved level when pending and the rejecting level when rejected.
type DocumentState struct {
	Phase Phase
	Level int
}

func (s DocumentState) String() string {
	switch s.Phase {
	case PhaseFullyApproved:
		return string(s.Phase)
	default:
		return fmt.Sprintf("%s@%d", s.Phase, s.Level)
	}
}

// State derives the composite state from the level records.
func (l Ledger) State() DocumentState {
	sorted := l.Sorted()
	for _, rec := range sorted.Levels {
		if rec.Status == StatusRejected {
			return DocumentState{Phase: PhaseRejected, Level: rec.Level}
		}
	}
	for _, rec := range sorted.Levels {
		if rec.Status != StatusApproved {
			return DocumentState{Phase: PhasePending, Level: rec.Level}
		}
	}
	return DocumentState{Phase: PhaseFullyApproved}
}

// ApproverIdentity is the resolved caller of an approval action.
type ApproverIdentity struct {
	UserID        int64
	Name          string
	ApprovalLevel int
}

// EffectKind enumerates the outcomes of a successful decision.
type EffectKind int

const (
	EffectAdvanced EffectKind = iota + 1
	EffectFullyApproved
	EffectRejected
)

func (k EffectKind) String() string {
	switch k {
	case EffectAdvanced:
		return "advanced"
	case EffectFullyApproved:
		return "fully_approved"
	case EffectRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Effect describes what a decision did to the unit.
type Effect struct {
	Kind      EffectKind
	Level     int
	NextLevel int
}

// AdvancedTo builds the effect for an approval below the top level.
func AdvancedTo(next int) Effect {
	return Effect{Kind: EffectAdvanced, Level: next - 1, NextLevel: next}
}

// FullyApproved builds the effect for an approval at the top level.
func FullyApproved(level int) Effect {
	return Effect{Kind: EffectFullyApproved, Level: level}
}

// Rejected builds the effect for a rejection at level.
func Rejected(level int) Effect {
	return Effect{Kind: EffectRejected, Level: level}
}

// Decision is the result of applying an action to a ledger.
type Decision struct {
	Ledger   Ledger
	Record   LevelRecord
	Previous Status
	Effect   Effect
}
