// Package adjustmenttest provides an in-memory document store for tests.
package adjustmenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	"github.com/odyssey-erp/stockflow/internal/approval"
)

type seqKey struct {
	year    int
	company string
	group   string
}

// MemoryStore keeps documents, ledgers and sync logs in maps guarded by a
// mutex. The Err fields inject failures into the matching operation.
type MemoryStore struct {
	mu         sync.Mutex
	sequences  map[seqKey]int
	documents  map[adjustment.DocumentKey]adjustment.Document
	ledgers    map[approval.Key]approval.Ledger
	syncs      []adjustment.SyncLog
	thresholds map[string][]adjustment.Threshold

	AllocateErr error
	CreateErr   error
	DeleteErr   error
	// CASCalls counts ConditionalUpdateLevel invocations.
	CASCalls int
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sequences:  make(map[seqKey]int),
		documents:  make(map[adjustment.DocumentKey]adjustment.Document),
		ledgers:    make(map[approval.Key]approval.Ledger),
		thresholds: make(map[string][]adjustment.Threshold),
	}
}

// SetThresholds configures amount bands for a company.
func (m *MemoryStore) SetThresholds(companyID string, bands []adjustment.Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[companyID] = bands
}

// AllocateRecordNumber implements adjustment.Store.
func (m *MemoryStore) AllocateRecordNumber(_ context.Context, fiscalYear int, companyID, group string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AllocateErr != nil {
		return 0, m.AllocateErr
	}
	k := seqKey{year: fiscalYear, company: companyID, group: group}
	m.sequences[k]++
	return m.sequences[k], nil
}

// CreateDocuments implements adjustment.Store.
func (m *MemoryStore) CreateDocuments(_ context.Context, ledger approval.Ledger, docs []adjustment.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if err := ledger.Validate(); err != nil {
		return err
	}
	if _, exists := m.ledgers[ledger.Key]; exists {
		return fmt.Errorf("ledger %s already exists", ledger.Key)
	}
	for _, doc := range docs {
		if _, exists := m.documents[doc.Key]; exists {
			return fmt.Errorf("document %s already exists", doc.Key)
		}
	}
	for _, doc := range docs {
		m.documents[doc.Key] = cloneDocument(doc)
	}
	m.ledgers[ledger.Key] = ledger.Clone()
	return nil
}

// Seed stores a unit as is, bypassing validation.
func (m *MemoryStore) Seed(unit adjustment.Unit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range unit.Documents {
		m.documents[doc.Key] = cloneDocument(doc)
		k := seqKey{year: doc.Key.FiscalYear, company: doc.Key.CompanyID, group: doc.Group}
		if doc.Key.RecNumber > m.sequences[k] {
			m.sequences[k] = doc.Key.RecNumber
		}
	}
	m.ledgers[unit.Key] = unit.Ledger.Clone()
}

// LoadUnit implements adjustment.Store.
func (m *MemoryStore) LoadUnit(_ context.Context, key approval.Key) (adjustment.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unitLocked(key)
}

func (m *MemoryStore) unitLocked(key approval.Key) (adjustment.Unit, error) {
	var docs []adjustment.Document
	for _, doc := range m.documents {
		if doc.UnitKey() == key {
			docs = append(docs, cloneDocument(doc))
		}
	}
	if len(docs) == 0 {
		return adjustment.Unit{}, fmt.Errorf("%w: unit %s", adjustment.ErrNotFound, key)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key.RecType < docs[j].Key.RecType })
	ledger, ok := m.ledgers[key]
	if !ok {
		return adjustment.Unit{}, fmt.Errorf("%w: ledger %s", adjustment.ErrNotFound, key)
	}
	return adjustment.Unit{Key: key, Documents: docs, Ledger: ledger.Clone()}, nil
}

// LoadLedger returns a copy of the unit's ledger.
func (m *MemoryStore) LoadLedger(_ context.Context, key approval.Key) (approval.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[key]
	if !ok {
		return approval.Ledger{}, fmt.Errorf("%w: ledger %s", adjustment.ErrNotFound, key)
	}
	return ledger.Clone(), nil
}

// ConditionalUpdateLevel writes rec when the level still has the expected
// status and every lower level is approved.
func (m *MemoryStore) ConditionalUpdateLevel(_ context.Context, key approval.Key, level int, expected approval.Status, rec approval.LevelRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CASCalls++
	ledger, ok := m.ledgers[key]
	if !ok {
		return false, nil
	}
	idx := -1
	for i, r := range ledger.Levels {
		if r.Level < level && r.Status != approval.StatusApproved {
			return false, nil
		}
		if r.Level == level {
			idx = i
		}
	}
	if idx < 0 || ledger.Levels[idx].Status != expected {
		return false, nil
	}
	updated := ledger.Clone()
	rec.Level = level
	updated.Levels[idx] = rec
	m.ledgers[key] = updated
	return true, nil
}

// MarkSynced flags every document of the unit as synced.
func (m *MemoryStore) MarkSynced(_ context.Context, key approval.Key, docNumber string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for k, doc := range m.documents {
		if doc.UnitKey() != key {
			continue
		}
		found = true
		ts := at
		doc.ExternalSynced = true
		doc.ExternalSyncedAt = &ts
		doc.ExternalDocNumber = docNumber
		m.documents[k] = doc
	}
	if !found {
		return fmt.Errorf("%w: unit %s", adjustment.ErrNotFound, key)
	}
	return nil
}

// RecordTransfer implements adjustment.Store.
func (m *MemoryStore) RecordTransfer(_ context.Context, key adjustment.DocumentKey, docNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[key]
	if !ok {
		return fmt.Errorf("%w: document %s", adjustment.ErrNotFound, key)
	}
	doc.TransferDocNumber = docNumber
	m.documents[key] = doc
	return nil
}

// DeleteDocument implements adjustment.Store.
func (m *MemoryStore) DeleteDocument(_ context.Context, key adjustment.DocumentKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	doc, ok := m.documents[key]
	if !ok {
		return fmt.Errorf("%w: document %s", adjustment.ErrNotFound, key)
	}
	delete(m.documents, key)
	unitKey := doc.UnitKey()
	for _, other := range m.documents {
		if other.UnitKey() == unitKey {
			return nil
		}
	}
	delete(m.ledgers, unitKey)
	return nil
}

// RecordSync implements adjustment.Store.
func (m *MemoryStore) RecordSync(_ context.Context, log adjustment.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, log)
	return nil
}

// ListPending implements adjustment.Store.
func (m *MemoryStore) ListPending(_ context.Context, filter adjustment.PendingFilter) ([]adjustment.UnitSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []adjustment.UnitSummary
	for key, ledger := range m.ledgers {
		if filter.CompanyID != "" && key.CompanyID != filter.CompanyID {
			continue
		}
		state := ledger.State()
		if state.Phase != approval.PhasePending || state.Level != filter.Level {
			continue
		}
		unit, err := m.unitLocked(key)
		if err != nil {
			continue
		}
		summary := adjustment.UnitSummary{
			Key:       key,
			TransDate: unit.TransDate(),
			CreatedBy: unit.CreatedBy(),
			Amount:    decimal.Zero,
			State:     state,
		}
		for _, doc := range unit.Documents {
			summary.RecTypes = append(summary.RecTypes, doc.Key.RecType)
			summary.LineCount += len(doc.Lines)
			summary.Amount = summary.Amount.Add(doc.Amount())
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.CompanyID != out[j].Key.CompanyID {
			return out[i].Key.CompanyID < out[j].Key.CompanyID
		}
		return out[i].Key.RecNumber < out[j].Key.RecNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Report implements adjustment.Store.
func (m *MemoryStore) Report(_ context.Context, filter adjustment.ReportFilter) ([]adjustment.ReportRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []adjustment.ReportRow
	for key, ledger := range m.ledgers {
		unit, err := m.unitLocked(key)
		if err != nil {
			continue
		}
		row := adjustment.ReportRow{
			UnitSummary: adjustment.UnitSummary{Key: key, Amount: decimal.Zero},
			Ledger:      ledger.Clone(),
		}
		for _, doc := range unit.Documents {
			if !filter.Includes(doc) {
				continue
			}
			if len(row.RecTypes) == 0 {
				row.TransDate = doc.TransDate
				row.CreatedBy = doc.CreatedBy
			}
			row.RecTypes = append(row.RecTypes, doc.Key.RecType)
			row.LineCount += len(doc.Lines)
			row.Amount = row.Amount.Add(doc.Amount())
			if doc.ExternalDocNumber > row.ExternalDocNumber {
				row.ExternalDocNumber = doc.ExternalDocNumber
			}
		}
		if len(row.RecTypes) == 0 || !filter.Visible(row.CreatedBy, ledger) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransDate.Equal(out[j].TransDate) {
			return out[i].TransDate.After(out[j].TransDate)
		}
		return out[i].Key.RecNumber > out[j].Key.RecNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListThresholds implements adjustment.ThresholdSource.
func (m *MemoryStore) ListThresholds(_ context.Context, companyID string) ([]adjustment.Threshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adjustment.Threshold(nil), m.thresholds[companyID]...), nil
}

// Document returns a stored document.
func (m *MemoryStore) Document(key adjustment.DocumentKey) (adjustment.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[key]
	return cloneDocument(doc), ok
}

// Documents returns every stored document ordered by key.
func (m *MemoryStore) Documents() []adjustment.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]adjustment.Document, 0, len(m.documents))
	for _, doc := range m.documents {
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.RecType != b.RecType {
			return a.RecType < b.RecType
		}
		return a.RecNumber < b.RecNumber
	})
	return out
}

// Ledger returns a stored ledger.
func (m *MemoryStore) Ledger(key approval.Key) (approval.Ledger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ledger, ok := m.ledgers[key]
	return ledger.Clone(), ok
}

// Syncs returns the recorded sync logs.
func (m *MemoryStore) Syncs() []adjustment.SyncLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]adjustment.SyncLog(nil), m.syncs...)
}

func cloneDocument(doc adjustment.Document) adjustment.Document {
	doc.Lines = append([]adjustment.LineItem(nil), doc.Lines...)
	return doc
}
