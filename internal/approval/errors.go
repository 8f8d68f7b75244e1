package approval

import "errors"

var (
	// ErrUnauthorized indicates the approver is not configured for the level.
	ErrUnauthorized = errors.New("approval: approver not authorised for level")
	// ErrOutOfOrder indicates a lower level is still unresolved.
	ErrOutOfOrder = errors.New("approval: lower levels not yet approved")
	// ErrAlreadyDecided indicates the level already carries a decision.
	ErrAlreadyDecided = errors.New("approval: level already decided")
	// ErrUnknownLevel indicates the level does not exist in the ledger.
	ErrUnknownLevel = errors.New("approval: unknown level")
	// ErrInvalidAction indicates an unsupported action.
	ErrInvalidAction = errors.New("approval: invalid action")
	// ErrInvalidLedger indicates the ledger violates its structural invariants.
	ErrInvalidLedger = errors.New("approval: invalid ledger")
	// ErrNotReversible indicates the level cannot be reverted to pending.
	ErrNotReversible = errors.New("approval: level cannot be reverted")
)

// IsPrecondition reports whether err is one of the local precondition
// failures that never cause side effects.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrUnknownLevel) ||
		errors.Is(err, ErrInvalidAction)
}
