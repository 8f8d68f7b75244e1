package adjustment

import "github.com/odyssey-erp/stockflow/internal/erp"

// LedgerRef returns the reference the external ledger uses for the document.
func (d Document) LedgerRef() erp.DocRef {
	return erp.DocRef{
		FiscalYear: d.Key.FiscalYear,
		CompanyID:  d.Key.CompanyID,
		RecName:    d.Key.RecType.Code(),
		RecNumber:  d.Key.RecNumber,
	}
}

// LedgerLines converts the line items for the external ledger.
func (d Document) LedgerLines() []erp.Line {
	lines := make([]erp.Line, 0, len(d.Lines))
	for _, l := range d.Lines {
		lines = append(lines, erp.Line{
			ItemCode:     l.ItemCode,
			Quantity:     l.Quantity,
			UnitCost:     l.UnitCost,
			FromLocation: l.FromLocation,
			ToLocation:   l.ToLocation,
			Increase:     d.Key.RecType == RecIncrease,
		})
	}
	return lines
}

// TransferRequest builds the transfer entry for the document.
func (d Document) TransferRequest() erp.TransferRequest {
	movement := erp.MovementDecrease
	switch d.Kind() {
	case KindIncrease:
		movement = erp.MovementIncrease
	case KindReversal:
		movement = erp.MovementReversal
	}
	return erp.TransferRequest{
		Ref:      d.LedgerRef(),
		Movement: movement,
		Date:     d.TransDate,
		Lines:    d.LedgerLines(),
	}
}

// AdjustmentRequest builds the post-approval adjustment entry covering every
// document of the unit.
func (u Unit) AdjustmentRequest() erp.AdjustmentRequest {
	var lines []erp.Line
	reversal := false
	for _, doc := range u.Documents {
		lines = append(lines, doc.LedgerLines()...)
		reversal = reversal || doc.Kind() == KindReversal
	}
	return erp.AdjustmentRequest{
		Ref: erp.DocRef{
			FiscalYear: u.Key.FiscalYear,
			CompanyID:  u.Key.CompanyID,
			RecName:    u.Key.Group,
			RecNumber:  u.Key.RecNumber,
		},
		Reversal: reversal,
		Date:     u.TransDate(),
		Lines:    lines,
	}
}

// NewSyncLog builds the audit row for a ledger call on a document.
func NewSyncLog(doc DocumentKey, result erp.SyncResult) SyncLog {
	return SyncLog{
		Document:          doc,
		Endpoint:          result.Endpoint,
		Success:           result.Success,
		ExternalDocNumber: result.ExternalDocNumber,
		Errors:            result.Errors,
		RawRequest:        result.RawRequest,
		RawResponse:       result.RawResponse,
		Duration:          result.Duration,
	}
}
