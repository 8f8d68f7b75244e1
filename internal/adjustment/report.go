package adjustment

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

const maxReportRows = 500

// ReportRecTypes are the movement types the adjustment report covers.
// Reversals are left out.
var ReportRecTypes = []RecType{RecDecrease, RecIncrease}

// ReportFilter selects the units of the adjustment report. From and To are
// inclusive calendar dates. Approvers see every unit carrying a level at or
// below their own; everyone else sees only the units they created.
type ReportFilter struct {
	CompanyID string
	From      time.Time
	To        time.Time
	Viewer    approval.ApproverIdentity
	Limit     int
}

// Includes reports whether the document falls inside the report's rec types
// and date range.
func (f ReportFilter) Includes(doc Document) bool {
	if f.CompanyID != "" && doc.Key.CompanyID != f.CompanyID {
		return false
	}
	covered := false
	for _, rt := range ReportRecTypes {
		covered = covered || doc.Key.RecType == rt
	}
	day := truncateDay(doc.TransDate)
	return covered && !day.Before(f.From) && !day.After(f.To)
}

// Visible reports whether the viewer may see a unit created by createdBy.
func (f ReportFilter) Visible(createdBy int64, ledger approval.Ledger) bool {
	if f.Viewer.ApprovalLevel > 0 {
		for _, rec := range ledger.Levels {
			if rec.Level <= f.Viewer.ApprovalLevel {
				return true
			}
		}
		return false
	}
	return createdBy == f.Viewer.UserID
}

// ReportRow is one approval unit of the adjustment report.
type ReportRow struct {
	UnitSummary
	CreatorName       string
	ExternalDocNumber string
	Ledger            approval.Ledger
}

// TotalLevels is the length of the unit's approval chain.
func (r ReportRow) TotalLevels() int {
	return r.Ledger.LevelCount()
}

// ApprovedCount counts approved levels.
func (r ReportRow) ApprovedCount() int {
	return r.count(approval.StatusApproved)
}

// RejectedCount counts rejected levels.
func (r ReportRow) RejectedCount() int {
	return r.count(approval.StatusRejected)
}

func (r ReportRow) count(status approval.Status) int {
	n := 0
	for _, rec := range r.Ledger.Levels {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Report lists the movement units dated within the filter's range, newest
// first, as the viewer is allowed to see them.
func (s *Service) Report(ctx context.Context, filter ReportFilter) ([]ReportRow, error) {
	if filter.Viewer.UserID == 0 {
		return nil, fmt.Errorf("%w: viewer required", ErrInvalidInput)
	}
	if filter.From.IsZero() || filter.To.IsZero() {
		return nil, fmt.Errorf("%w: from and to dates required", ErrInvalidInput)
	}
	filter.From, filter.To = truncateDay(filter.From), truncateDay(filter.To)
	if filter.From.After(filter.To) {
		return nil, fmt.Errorf("%w: from date is after to date", ErrInvalidInput)
	}
	if filter.Limit <= 0 || filter.Limit > maxReportRows {
		filter.Limit = maxReportRows
	}
	rows, err := s.store.Report(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("adjustment: report: %w", err)
	}
	for i := range rows {
		rows[i].State = rows[i].Ledger.State()
	}
	return rows, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
