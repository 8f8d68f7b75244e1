package users

import (
	"context"

	"github.com/odyssey-erp/stockflow/jobs"
)

// Recipients exposes the directory to the notification worker.
type Recipients struct {
	Service *Service
}

// ApproversAtLevel implements jobs.RecipientDirectory.
func (r Recipients) ApproversAtLevel(ctx context.Context, level int) ([]jobs.Recipient, error) {
	approvers, err := r.Service.ApproversAtLevel(ctx, level)
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Recipient, 0, len(approvers))
	for _, u := range approvers {
		out = append(out, recipient(u))
	}
	return out, nil
}

// UserByID implements jobs.RecipientDirectory.
func (r Recipients) UserByID(ctx context.Context, id int64) (jobs.Recipient, error) {
	u, err := r.Service.Get(ctx, id)
	if err != nil {
		return jobs.Recipient{}, err
	}
	return recipient(u), nil
}

func recipient(u User) jobs.Recipient {
	if !u.IsActive {
		return jobs.Recipient{ID: u.ID, Name: u.Name}
	}
	return jobs.Recipient{ID: u.ID, Name: u.Name, Email: u.Email}
}
