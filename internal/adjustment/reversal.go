package adjustment

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

// ReversalStore is the subset of Store used to create reversal documents.
type ReversalStore interface {
	AllocateRecordNumber(ctx context.Context, fiscalYear int, companyID, group string) (int, error)
	CreateDocuments(ctx context.Context, ledger approval.Ledger, docs []Document) error
}

// ReversalGenerator creates compensating documents for rejected ones.
type ReversalGenerator struct {
	store  ReversalStore
	groups Groups
	levels LevelPolicy
	clock  func() time.Time
}

// NewReversalGenerator builds a generator.
func NewReversalGenerator(store ReversalStore, groups Groups, levels LevelPolicy) *ReversalGenerator {
	if groups.byType == nil {
		groups = DefaultGroups()
	}
	if levels == nil {
		levels = StaticLevels(2)
	}
	return &ReversalGenerator{
		store:  store,
		groups: groups,
		levels: levels,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Generate creates a reversal of original with from/to swapped on every line
// and a freshly allocated record number, together with its own pending ledger.
// Reversals are never reversed.
func (g *ReversalGenerator) Generate(ctx context.Context, original Document, actorID int64) (Document, error) {
	if original.Kind() == KindReversal {
		return Document{}, fmt.Errorf("%w: %s", ErrReversalOfReversal, original.Key)
	}
	group, ok := g.groups.GroupOf(RecReversal)
	if !ok {
		return Document{}, fmt.Errorf("adjustment: no rec group for reversals")
	}
	recNumber, err := g.store.AllocateRecordNumber(ctx, original.Key.FiscalYear, original.Key.CompanyID, group)
	if err != nil {
		return Document{}, fmt.Errorf("%w: reversal of %s: %v", ErrAllocationFailed, original.Key, err)
	}

	origKey := original.Key
	now := g.clock()
	reversal := Document{
		Key: DocumentKey{
			FiscalYear: original.Key.FiscalYear,
			CompanyID:  original.Key.CompanyID,
			RecType:    RecReversal,
			RecNumber:  recNumber,
		},
		Group:      group,
		TransDate:  now,
		CreatedBy:  actorID,
		Lines:      SwapLines(original.Lines),
		ReversalOf: &origKey,
		CreatedAt:  now,
	}
	levelCount, err := g.levels.LevelCount(ctx, reversal.Key.CompanyID, reversal.Amount())
	if err != nil {
		return Document{}, err
	}
	ledger := approval.NewLedger(reversal.UnitKey(), levelCount)
	if err := g.store.CreateDocuments(ctx, ledger, []Document{reversal}); err != nil {
		return Document{}, fmt.Errorf("adjustment: create reversal of %s: %w", original.Key, err)
	}
	return reversal, nil
}

// SwapLines copies lines with from and to locations exchanged.
func SwapLines(lines []LineItem) []LineItem {
	out := make([]LineItem, len(lines))
	for i, l := range lines {
		out[i] = l
		out[i].FromLocation, out[i].ToLocation = l.ToLocation, l.FromLocation
	}
	return out
}
