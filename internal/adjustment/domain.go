package adjustment

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

// RecType is the record type of a stock document.
type RecType int

const (
	// RecDecrease moves stock out of a location into the default location.
	RecDecrease RecType = 10
	// RecIncrease adds stock at a single location.
	RecIncrease RecType = 12
	// RecReversal undoes the movement of a rejected document.
	RecReversal RecType = 14
)

// Code returns the short record name used in external references.
func (r RecType) Code() string {
	switch r {
	case RecDecrease:
		return "STDL"
	case RecIncrease:
		return "STIN"
	case RecReversal:
		return "STRV"
	default:
		return "UNK"
	}
}

// Kind returns the document kind for the record type.
func (r RecType) Kind() Kind {
	switch r {
	case RecDecrease:
		return KindDecrease
	case RecIncrease:
		return KindIncrease
	case RecReversal:
		return KindReversal
	default:
		return ""
	}
}

// Valid reports whether the record type is known.
func (r RecType) Valid() bool {
	return r == RecDecrease || r == RecIncrease || r == RecReversal
}

// Kind tags a document with the direction of its movement.
type Kind string

const (
	KindIncrease Kind = "INCREASE"
	KindDecrease Kind = "DECREASE"
	KindReversal Kind = "REVERSAL"
)

// DocumentKey identifies one stock document.
type DocumentKey struct {
	FiscalYear int
	CompanyID  string
	RecType    RecType
	RecNumber  int
}

func (k DocumentKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%d", k.FiscalYear, k.CompanyID, k.RecType.Code(), k.RecNumber)
}

// LineItem is one item movement of a document.
type LineItem struct {
	Sno          int
	ItemCode     string
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	FromLocation string
	ToLocation   string
}

// Amount returns quantity times unit cost.
func (l LineItem) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitCost)
}

// Document is a stock movement request. Line items are immutable once the
// document is created.
type Document struct {
	Key               DocumentKey
	Group             string
	TransDate         time.Time
	CreatedBy         int64
	Lines             []LineItem
	ExternalSynced    bool
	ExternalSyncedAt  *time.Time
	ExternalDocNumber string
	TransferDocNumber string
	ReversalOf        *DocumentKey
	CreatedAt         time.Time
}

// Kind returns the document kind.
func (d Document) Kind() Kind {
	return d.Key.RecType.Kind()
}

// Amount sums the line amounts.
func (d Document) Amount() decimal.Decimal {
	total := decimal.Zero
	for _, line := range d.Lines {
		total = total.Add(line.Amount())
	}
	return total
}

// UnitKey returns the approval unit the document belongs to.
func (d Document) UnitKey() approval.Key {
	return approval.Key{
		FiscalYear: d.Key.FiscalYear,
		CompanyID:  d.Key.CompanyID,
		Group:      d.Group,
		RecNumber:  d.Key.RecNumber,
	}
}

// Unit groups the documents approved through one ledger.
type Unit struct {
	Key       approval.Key
	Documents []Document
	Ledger    approval.Ledger
}

// State returns the composite approval state.
func (u Unit) State() approval.DocumentState {
	return u.Ledger.State()
}

// CreatedBy returns the creator of the unit.
func (u Unit) CreatedBy() int64 {
	for _, doc := range u.Documents {
		if doc.CreatedBy != 0 {
			return doc.CreatedBy
		}
	}
	return 0
}

// TransDate returns the transaction date shared by the unit's documents.
func (u Unit) TransDate() time.Time {
	for _, doc := range u.Documents {
		if !doc.TransDate.IsZero() {
			return doc.TransDate
		}
	}
	return time.Time{}
}

// HasReversal reports whether the unit consists of reversal documents.
func (u Unit) HasReversal() bool {
	for _, doc := range u.Documents {
		if doc.Kind() == KindReversal {
			return true
		}
	}
	return false
}

// UnitSummary is a pending unit as listed for an approver.
type UnitSummary struct {
	Key       approval.Key
	RecTypes  []RecType
	TransDate time.Time
	CreatedBy int64
	LineCount int
	Amount    decimal.Decimal
	State     approval.DocumentState
}

// SyncLog is an audit row for one call to the external ledger.
type SyncLog struct {
	Document          DocumentKey
	Endpoint          string
	Success           bool
	ExternalDocNumber string
	Errors            []string
	RawRequest        string
	RawResponse       string
	Duration          time.Duration
	CreatedAt         time.Time
}

// Groups maps record types to the rec-type group they are approved in.
type Groups struct {
	byType map[RecType]string
	names  []string
}

// DefaultGroups approves increases and decreases together and reversals alone.
func DefaultGroups() Groups {
	groups, _ := ParseGroups("ADJ:10+12,REV:14")
	return groups
}

// ParseGroups parses "NAME:10+12,OTHER:14".
func ParseGroups(spec string) (Groups, error) {
	groups := Groups{byType: make(map[RecType]string)}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, types, ok := strings.Cut(part, ":")
		name = strings.ToUpper(strings.TrimSpace(name))
		if !ok || name == "" {
			return Groups{}, fmt.Errorf("adjustment: malformed rec group %q", part)
		}
		for _, raw := range strings.Split(types, "+") {
			v, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return Groups{}, fmt.Errorf("adjustment: rec group %s: %w", name, err)
			}
			rt := RecType(v)
			if !rt.Valid() {
				return Groups{}, fmt.Errorf("adjustment: rec group %s: unknown rec type %d", name, v)
			}
			if prev, dup := groups.byType[rt]; dup {
				return Groups{}, fmt.Errorf("adjustment: rec type %d in groups %s and %s", v, prev, name)
			}
			groups.byType[rt] = name
		}
		groups.names = append(groups.names, name)
	}
	for _, rt := range []RecType{RecDecrease, RecIncrease, RecReversal} {
		if _, ok := groups.byType[rt]; !ok {
			return Groups{}, fmt.Errorf("adjustment: rec type %d not assigned to a group", rt)
		}
	}
	if groups.byType[RecReversal] == groups.byType[RecIncrease] || groups.byType[RecReversal] == groups.byType[RecDecrease] {
		return Groups{}, fmt.Errorf("adjustment: reversals must be approved in their own group")
	}
	return groups, nil
}

// GroupOf returns the group name for a record type.
func (g Groups) GroupOf(rt RecType) (string, bool) {
	name, ok := g.byType[rt]
	return name, ok
}

// Members returns the record types in a group, ascending.
func (g Groups) Members(group string) []RecType {
	var out []RecType
	for rt, name := range g.byType {
		if name == group {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Names returns the configured group names.
func (g Groups) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}
