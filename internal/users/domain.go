package users

import (
	"errors"
	"time"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

var (
	// ErrUserNotFound indicates no user has the requested id.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrUserInactive indicates the user exists but may not act.
	ErrUserInactive = errors.New("users: user inactive")
)

// User is a member of the warehouse or approval staff. ApprovalLevel is zero
// for users who only submit adjustments.
type User struct {
	ID            int64
	Email         string
	Name          string
	ApprovalLevel int
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Identity returns the approval identity of the user.
func (u User) Identity() approval.ApproverIdentity {
	return approval.ApproverIdentity{UserID: u.ID, Name: u.Name, ApprovalLevel: u.ApprovalLevel}
}
