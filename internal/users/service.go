package users

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	ListByLevel(ctx context.Context, level int) ([]User, error)
}

// Service handles user business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, fmt.Errorf("%w: id %d", ErrUserNotFound, id)
	}
	return s.repo.FindByID(ctx, id)
}

// Identity resolves the approval identity of an active user.
func (s *Service) Identity(ctx context.Context, id int64) (approval.ApproverIdentity, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return approval.ApproverIdentity{}, err
	}
	if !user.IsActive {
		return approval.ApproverIdentity{}, fmt.Errorf("%w: id %d", ErrUserInactive, id)
	}
	return user.Identity(), nil
}

// ApproversAtLevel lists the active approvers of level.
func (s *Service) ApproversAtLevel(ctx context.Context, level int) ([]User, error) {
	if level < 1 {
		return nil, nil
	}
	return s.repo.ListByLevel(ctx, level)
}
