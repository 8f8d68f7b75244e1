package saga

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

// ErrSyncFailed indicates the external ledger refused a fully approved unit.
var ErrSyncFailed = errors.New("saga: external ledger sync failed")

// SyncFailedError carries the ledger's errors for a failed final approval and
// whether the approval was rolled back.
type SyncFailedError struct {
	Key        approval.Key
	Level      int
	Errors     []string
	RolledBack bool
}

func (e *SyncFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s level %d", ErrSyncFailed.Error(), e.Key, e.Level)
	if len(e.Errors) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Errors, "; "))
	}
	if e.RolledBack {
		b.WriteString(" (approval rolled back)")
	} else {
		b.WriteString(" (approval rollback failed)")
	}
	return b.String()
}

// Unwrap lets errors.Is match ErrSyncFailed.
func (e *SyncFailedError) Unwrap() error {
	return ErrSyncFailed
}

// Message is the text shown to the approver.
func (e *SyncFailedError) Message() string {
	detail := strings.Join(e.Errors, "; ")
	if detail == "" {
		detail = "no document number returned"
	}
	if e.RolledBack {
		return fmt.Sprintf("Sync to the external ledger failed: %s. The approval at level %d was rolled back and can be retried.", detail, e.Level)
	}
	return fmt.Sprintf("Sync to the external ledger failed: %s. Rolling back the approval at level %d also failed.", detail, e.Level)
}
