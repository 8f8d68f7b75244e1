package approval

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{FiscalYear: 202526, CompanyID: "AOS", Group: "ADJ", RecNumber: 7}

func approver(level int) ApproverIdentity {
	return ApproverIdentity{UserID: int64(100 + level), Name: "approver", ApprovalLevel: level}
}

func TestDecideFirstLevelAdvances(t *testing.T) {
	ledger := NewLedger(testKey, 2)
	at := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

	decision, err := Decide(ledger, 1, ActionApprove, approver(1), "", at)
	require.NoError(t, err)

	assert.Equal(t, AdvancedTo(2), decision.Effect)
	assert.Equal(t, StatusPending, decision.Previous)
	rec, _ := decision.Ledger.Record(1)
	assert.Equal(t, StatusApproved, rec.Status)
	assert.Equal(t, int64(101), rec.ApproverID)
	assert.Equal(t, at, rec.DecidedAt)
	rec, _ = decision.Ledger.Record(2)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, DocumentState{Phase: PhasePending, Level: 2}, decision.Ledger.State())

	// input ledger untouched
	orig, _ := ledger.Record(1)
	assert.Equal(t, StatusPending, orig.Status)
}

func TestDecideLastLevelFullyApproves(t *testing.T) {
	ledger := NewLedger(testKey, 2)
	first, err := Decide(ledger, 1, ActionApprove, approver(1), "", time.Now())
	require.NoError(t, err)

	second, err := Decide(first.Ledger, 2, ActionApprove, approver(2), "ok", time.Now())
	require.NoError(t, err)
	assert.Equal(t, EffectFullyApproved, second.Effect.Kind)
	assert.Equal(t, 2, second.Effect.Level)
	assert.Equal(t, PhaseFullyApproved, second.Ledger.State().Phase)
	require.NoError(t, second.Ledger.Validate())
}

func TestDecideOutOfOrder(t *testing.T) {
	ledger := NewLedger(testKey, 2)

	_, err := Decide(ledger, 2, ActionApprove, approver(2), "", time.Now())
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.True(t, IsPrecondition(err))
	rec, _ := ledger.Record(2)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestDecideUnauthorizedBeforeOrdering(t *testing.T) {
	ledger := NewLedger(testKey, 3)

	_, err := Decide(ledger, 2, ActionApprove, approver(1), "", time.Now())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestDecideTwiceReturnsAlreadyDecided(t *testing.T) {
	for _, action := range []Action{ActionApprove, ActionReject} {
		t.Run(string(action), func(t *testing.T) {
			ledger := NewLedger(testKey, 2)
			first, err := Decide(ledger, 1, action, approver(1), "", time.Now())
			require.NoError(t, err)

			_, err = Decide(first.Ledger, 1, action, approver(1), "", time.Now())
			require.ErrorIs(t, err, ErrAlreadyDecided)
		})
	}
}

func TestDecideRejectLeavesOtherLevels(t *testing.T) {
	ledger := NewLedger(testKey, 3)
	first, err := Decide(ledger, 1, ActionApprove, approver(1), "", time.Now())
	require.NoError(t, err)

	rejected, err := Decide(first.Ledger, 2, ActionReject, approver(2), "damaged goods", time.Now())
	require.NoError(t, err)
	assert.Equal(t, Rejected(2), rejected.Effect)

	l1, _ := rejected.Ledger.Record(1)
	l2, _ := rejected.Ledger.Record(2)
	l3, _ := rejected.Ledger.Record(3)
	assert.Equal(t, StatusApproved, l1.Status)
	assert.Equal(t, StatusRejected, l2.Status)
	assert.Equal(t, "damaged goods", l2.Comments)
	assert.Equal(t, StatusPending, l3.Status)
	assert.Equal(t, DocumentState{Phase: PhaseRejected, Level: 2}, rejected.Ledger.State())

	// level 3 is unreachable
	_, err = Decide(rejected.Ledger, 3, ActionApprove, approver(3), "", time.Now())
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestDecideRejectsUnknownInputs(t *testing.T) {
	ledger := NewLedger(testKey, 2)

	_, err := Decide(ledger, 1, Action("escalate"), approver(1), "", time.Now())
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = Decide(ledger, 5, ActionApprove, approver(5), "", time.Now())
	require.ErrorIs(t, err, ErrUnknownLevel)
}

func TestMonotonicGatingHoldsUnderRandomActions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		levels := 1 + rng.Intn(5)
		ledger := NewLedger(testKey, levels)
		for step := 0; step < 20; step++ {
			level := 1 + rng.Intn(levels)
			action := ActionApprove
			if rng.Intn(6) == 0 {
				action = ActionReject
			}
			identity := approver(level)
			if rng.Intn(8) == 0 {
				identity = approver(1 + rng.Intn(levels))
			}
			decision, err := Decide(ledger, level, action, identity, "", time.Now())
			if err != nil {
				require.True(t, IsPrecondition(err), "unexpected error %v", err)
				continue
			}
			ledger = decision.Ledger
			require.NoError(t, ledger.Validate())
		}
	}
}

func TestRevertIsIdempotent(t *testing.T) {
	ledger := NewLedger(testKey, 2)
	first, err := Decide(ledger, 1, ActionApprove, approver(1), "", time.Now())
	require.NoError(t, err)
	second, err := Decide(first.Ledger, 2, ActionApprove, approver(2), "", time.Now())
	require.NoError(t, err)

	once, changed, err := Revert(second.Ledger, 2)
	require.NoError(t, err)
	assert.True(t, changed)

	twice, changed, err := Revert(once, 2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, once, twice)

	rec, _ := twice.Record(2)
	assert.Equal(t, LevelRecord{Level: 2, Status: StatusPending}, rec)
	assert.Equal(t, DocumentState{Phase: PhasePending, Level: 2}, twice.State())
}

func TestRevertRefusesRejectedAndLowerLevels(t *testing.T) {
	ledger := NewLedger(testKey, 2)
	rejected, err := Decide(ledger, 1, ActionReject, approver(1), "", time.Now())
	require.NoError(t, err)
	_, _, err = Revert(rejected.Ledger, 1)
	require.ErrorIs(t, err, ErrNotReversible)

	first, err := Decide(ledger, 1, ActionApprove, approver(1), "", time.Now())
	require.NoError(t, err)
	second, err := Decide(first.Ledger, 2, ActionApprove, approver(2), "", time.Now())
	require.NoError(t, err)
	_, _, err = Revert(second.Ledger, 1)
	require.ErrorIs(t, err, ErrNotReversible)
}

func TestValidateDetectsGaps(t *testing.T) {
	ledger := Ledger{Key: testKey, Levels: []LevelRecord{
		{Level: 1, Status: StatusPending},
		{Level: 3, Status: StatusPending},
	}}
	require.ErrorIs(t, ledger.Validate(), ErrInvalidLedger)

	ledger = Ledger{Key: testKey, Levels: []LevelRecord{
		{Level: 1, Status: StatusPending},
		{Level: 2, Status: StatusApproved},
	}}
	require.ErrorIs(t, ledger.Validate(), ErrInvalidLedger)
}
