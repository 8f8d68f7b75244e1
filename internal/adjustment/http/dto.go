package adjustmenthttp

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/platform/httpx"
	"github.com/odyssey-erp/stockflow/internal/saga"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

const dateLayout = "2006-01-02"

type submitRequest struct {
	CompanyID string        `json:"company_id" validate:"required,max=16"`
	TransDate string        `json:"trans_date" validate:"omitempty,datetime=2006-01-02"`
	Lines     []lineRequest `json:"lines" validate:"required,min=1,max=500,dive"`
}

type lineRequest struct {
	RecType      int             `json:"rec_type" validate:"required"`
	ItemCode     string          `json:"item_code" validate:"required,max=64"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	FromLocation string          `json:"from_location" validate:"required,max=32"`
	ToLocation   string          `json:"to_location" validate:"omitempty,max=32"`
}

func (req submitRequest) toInput(creatorID int64) (adjustment.SubmitInput, error) {
	input := adjustment.SubmitInput{CompanyID: req.CompanyID, CreatorID: creatorID}
	if req.TransDate != "" {
		d, err := time.Parse(dateLayout, req.TransDate)
		if err != nil {
			return adjustment.SubmitInput{}, httpx.Mark(fmt.Errorf("trans_date: %w", err), httpx.ErrValidation)
		}
		input.TransDate = d
	}
	input.Lines = make([]adjustment.LineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, adjustment.LineInput{
			RecType:      adjustment.RecType(l.RecType),
			ItemCode:     l.ItemCode,
			Quantity:     l.Quantity,
			UnitCost:     l.UnitCost,
			FromLocation: l.FromLocation,
			ToLocation:   l.ToLocation,
		})
	}
	return input, nil
}

type actionRequest struct {
	Action   string `json:"action" validate:"required,oneof=approve reject"`
	Comments string `json:"comments" validate:"max=1000"`
}

type keyView struct {
	FiscalYear int    `json:"fiscal_year"`
	CompanyID  string `json:"company_id"`
	Group      string `json:"group"`
	RecNumber  int    `json:"rec_number"`
}

func newKeyView(k approval.Key) keyView {
	return keyView{FiscalYear: k.FiscalYear, CompanyID: k.CompanyID, Group: k.Group, RecNumber: k.RecNumber}
}

type stateView struct {
	Phase string `json:"phase"`
	Level int    `json:"level,omitempty"`
}

func newStateView(s approval.DocumentState) stateView {
	return stateView{Phase: string(s.Phase), Level: s.Level}
}

type levelView struct {
	Level      int        `json:"level"`
	Status     string     `json:"status"`
	ApproverID int64      `json:"approver_id,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Comments   string     `json:"comments,omitempty"`
}

type lineView struct {
	Sno              int             `json:"sno"`
	ItemCode         string          `json:"item_code"`
	ItemDesc         string          `json:"item_desc,omitempty"`
	StockUnit        string          `json:"stock_unit,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	Amount           decimal.Decimal `json:"amount"`
	FromLocation     string          `json:"from_location"`
	FromLocationDesc string          `json:"from_location_desc,omitempty"`
	ToLocation       string          `json:"to_location"`
	ToLocationDesc   string          `json:"to_location_desc,omitempty"`
}

type documentView struct {
	Document          string     `json:"document"`
	RecType           int        `json:"rec_type"`
	Kind              string     `json:"kind"`
	TransDate         string     `json:"trans_date"`
	CreatedBy         int64      `json:"created_by"`
	ExternalSynced    bool       `json:"external_synced"`
	ExternalSyncedAt  *time.Time `json:"external_synced_at,omitempty"`
	ExternalDocNumber string     `json:"external_doc_number,omitempty"`
	TransferDocNumber string     `json:"transfer_doc_number,omitempty"`
	ReversalOf        string     `json:"reversal_of,omitempty"`
	Lines             []lineView `json:"lines"`
}

type unitView struct {
	Key       keyView         `json:"key"`
	State     stateView       `json:"state"`
	Amount    decimal.Decimal `json:"amount"`
	Levels    []levelView     `json:"levels"`
	Documents []documentView  `json:"documents"`
}

func newLevelViews(ledger approval.Ledger) []levelView {
	out := make([]levelView, 0, ledger.LevelCount())
	for _, rec := range ledger.Sorted().Levels {
		lv := levelView{Level: rec.Level, Status: rec.Status.String(), ApproverID: rec.ApproverID, Comments: rec.Comments}
		if !rec.DecidedAt.IsZero() {
			at := rec.DecidedAt
			lv.DecidedAt = &at
		}
		out = append(out, lv)
	}
	return out
}

func newUnitView(u adjustment.Unit) unitView {
	view := unitView{Key: newKeyView(u.Key), State: newStateView(u.State()), Amount: decimal.Zero}
	view.Levels = newLevelViews(u.Ledger)
	for _, doc := range u.Documents {
		dv := documentView{
			Document:          doc.Key.String(),
			RecType:           int(doc.Key.RecType),
			Kind:              string(doc.Kind()),
			TransDate:         doc.TransDate.Format(dateLayout),
			CreatedBy:         doc.CreatedBy,
			ExternalSynced:    doc.ExternalSynced,
			ExternalSyncedAt:  doc.ExternalSyncedAt,
			ExternalDocNumber: doc.ExternalDocNumber,
			TransferDocNumber: doc.TransferDocNumber,
			Lines:             make([]lineView, 0, len(doc.Lines)),
		}
		if doc.ReversalOf != nil {
			dv.ReversalOf = doc.ReversalOf.String()
		}
		for _, l := range doc.Lines {
			dv.Lines = append(dv.Lines, lineView{
				Sno:          l.Sno,
				ItemCode:     l.ItemCode,
				Quantity:     l.Quantity,
				UnitCost:     l.UnitCost,
				Amount:       l.Amount(),
				FromLocation: l.FromLocation,
				ToLocation:   l.ToLocation,
			})
		}
		view.Amount = view.Amount.Add(doc.Amount())
		view.Documents = append(view.Documents, dv)
	}
	return view
}

type transferView struct {
	Document  string   `json:"document"`
	Success   bool     `json:"success"`
	DocNumber string   `json:"doc_number,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

type submitResponse struct {
	Unit      unitView       `json:"unit"`
	Transfers []transferView `json:"transfers"`
}

func newSubmitResponse(sub adjustment.Submission) submitResponse {
	resp := submitResponse{Unit: newUnitView(sub.Unit), Transfers: make([]transferView, 0, len(sub.Transfers))}
	for _, t := range sub.Transfers {
		resp.Transfers = append(resp.Transfers, transferView{
			Document:  t.Document.String(),
			Success:   t.Result.Success,
			DocNumber: t.Result.ExternalDocNumber,
			Errors:    t.Result.Errors,
		})
	}
	return resp
}

type pendingView struct {
	Key       keyView         `json:"key"`
	RecTypes  []int           `json:"rec_types"`
	TransDate string          `json:"trans_date"`
	CreatedBy int64           `json:"created_by"`
	LineCount int             `json:"line_count"`
	Amount    decimal.Decimal `json:"amount"`
	State     stateView       `json:"state"`
}

func newPendingView(u adjustment.UnitSummary) pendingView {
	types := make([]int, 0, len(u.RecTypes))
	for _, rt := range u.RecTypes {
		types = append(types, int(rt))
	}
	return pendingView{
		Key:       newKeyView(u.Key),
		RecTypes:  types,
		TransDate: u.TransDate.Format(dateLayout),
		CreatedBy: u.CreatedBy,
		LineCount: u.LineCount,
		Amount:    u.Amount,
		State:     newStateView(u.State),
	}
}

// reportRow mirrors a unit of the adjustment report. NextPendingLevel is -1
// once rejected and 0 once fully approved.
type reportRow struct {
	Key               keyView         `json:"key"`
	Reference         string          `json:"reference"`
	RecTypes          []int           `json:"rec_types"`
	TransDate         string          `json:"trans_date"`
	CreatedBy         int64           `json:"created_by"`
	CreatorName       string          `json:"creator_name,omitempty"`
	LineCount         int             `json:"line_count"`
	Amount            decimal.Decimal `json:"amount"`
	TotalLevels       int             `json:"total_levels"`
	ApprovedCount     int             `json:"approved_count"`
	RejectedCount     int             `json:"rejected_count"`
	NextPendingLevel  int             `json:"next_pending_level"`
	State             stateView       `json:"state"`
	ExternalDocNumber string          `json:"external_doc_number,omitempty"`
	Levels            []levelView     `json:"levels"`
}

type reportResponse struct {
	From string      `json:"from"`
	To   string      `json:"to"`
	Rows []reportRow `json:"rows"`
}

func newReportResponse(from, to time.Time, rows []adjustment.ReportRow) reportResponse {
	resp := reportResponse{From: from.Format(dateLayout), To: to.Format(dateLayout), Rows: make([]reportRow, 0, len(rows))}
	for _, r := range rows {
		summary := newPendingView(r.UnitSummary)
		next := summary.State.Level
		switch r.State.Phase {
		case approval.PhaseRejected:
			next = -1
		case approval.PhaseFullyApproved:
			next = 0
		}
		resp.Rows = append(resp.Rows, reportRow{
			Key:               summary.Key,
			Reference:         r.Key.String(),
			RecTypes:          summary.RecTypes,
			TransDate:         summary.TransDate,
			CreatedBy:         r.CreatedBy,
			CreatorName:       r.CreatorName,
			LineCount:         r.LineCount,
			Amount:            r.Amount,
			TotalLevels:       r.TotalLevels(),
			ApprovedCount:     r.ApprovedCount(),
			RejectedCount:     r.RejectedCount(),
			NextPendingLevel:  next,
			State:             summary.State,
			ExternalDocNumber: r.ExternalDocNumber,
			Levels:            newLevelViews(r.Ledger),
		})
	}
	return resp
}

type pendingResponse struct {
	Level int           `json:"level"`
	Units []pendingView `json:"units"`
}

type reversalView struct {
	Original          string   `json:"original"`
	Reversal          string   `json:"reversal"`
	Synced            bool     `json:"synced"`
	TransferDocNumber string   `json:"transfer_doc_number,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

type actionResponse struct {
	Key               keyView        `json:"key"`
	Effect            string         `json:"effect"`
	Level             int            `json:"level"`
	NextLevel         int            `json:"next_level,omitempty"`
	State             stateView      `json:"state"`
	ExternalDocNumber string         `json:"external_doc_number,omitempty"`
	Reversals         []reversalView `json:"reversals,omitempty"`
	Message           string         `json:"message"`
}

func newActionResponse(res saga.ActionResult) actionResponse {
	resp := actionResponse{
		Key:               newKeyView(res.Key),
		Effect:            res.Effect.Kind.String(),
		Level:             res.Effect.Level,
		NextLevel:         res.Effect.NextLevel,
		State:             newStateView(res.State),
		ExternalDocNumber: res.ExternalDocNumber,
		Message:           res.Message,
	}
	for _, rv := range res.Reversals {
		resp.Reversals = append(resp.Reversals, reversalView{
			Original:          rv.Original.String(),
			Reversal:          rv.Reversal.String(),
			Synced:            rv.Synced,
			TransferDocNumber: rv.TransferDocNumber,
			Errors:            rv.Errors,
		})
	}
	return resp
}

type itemView struct {
	ItemNo    string          `json:"item_no"`
	Desc      string          `json:"desc"`
	StockUnit string          `json:"stock_unit"`
	StdCost   decimal.Decimal `json:"std_cost"`
	Category  string          `json:"category,omitempty"`
}

type locationView struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	City string `json:"city,omitempty"`
}

type historyEntry struct {
	Level   int       `json:"level"`
	ActorID int64     `json:"actor_id"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

type historyResponse struct {
	Key     keyView        `json:"key"`
	Entries []historyEntry `json:"entries"`
}

func newHistoryResponse(key approval.Key, logs []shared.ApprovalLog) historyResponse {
	resp := historyResponse{Key: newKeyView(key), Entries: make([]historyEntry, 0, len(logs))}
	for _, l := range logs {
		resp.Entries = append(resp.Entries, historyEntry{
			Level:   l.Level,
			ActorID: l.ActorID,
			Action:  string(l.Action),
			Note:    l.Note,
			At:      l.At.UTC(),
		})
	}
	return resp
}
