package adjustment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/platform/db"
)

// Repository persists stock documents and approval ledgers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the writes performed inside one transaction.
type TxRepository interface {
	InsertDocument(ctx context.Context, doc Document) error
	InsertLines(ctx context.Context, key DocumentKey, lines []LineItem) error
	InsertLedger(ctx context.Context, ledger approval.Ledger) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// AllocateRecordNumber returns the next record number of a rec-type group.
// The upsert takes a row lock, so concurrent callers never share a number.
func (r *Repository) AllocateRecordNumber(ctx context.Context, fiscalYear int, companyID, group string) (int, error) {
	var next int
	err := r.pool.QueryRow(ctx, `INSERT INTO record_sequences (fiscal_year, company_id, rec_group, last_number)
VALUES ($1, $2, $3, 1)
ON CONFLICT (fiscal_year, company_id, rec_group)
DO UPDATE SET last_number = record_sequences.last_number + 1
RETURNING last_number`, fiscalYear, companyID, group).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// CreateDocuments inserts the documents, their lines and the full ledger in
// one transaction.
func (r *Repository) CreateDocuments(ctx context.Context, ledger approval.Ledger, docs []Document) error {
	if len(docs) == 0 {
		return errors.New("adjustment: no documents to create")
	}
	if err := ledger.Validate(); err != nil {
		return err
	}
	return r.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, doc := range docs {
			if err := tx.InsertDocument(ctx, doc); err != nil {
				return err
			}
			if err := tx.InsertLines(ctx, doc.Key, doc.Lines); err != nil {
				return err
			}
		}
		return tx.InsertLedger(ctx, ledger)
	})
}

func (t *txRepo) InsertDocument(ctx context.Context, doc Document) error {
	var revYear, revNumber *int
	var revCompany *string
	var revType *int
	if doc.ReversalOf != nil {
		y, n, rt := doc.ReversalOf.FiscalYear, doc.ReversalOf.RecNumber, int(doc.ReversalOf.RecType)
		c := doc.ReversalOf.CompanyID
		revYear, revNumber, revType, revCompany = &y, &n, &rt, &c
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_documents
(fiscal_year, company_id, rec_type, rec_number, rec_group, trans_date, created_by,
 reversal_of_year, reversal_of_company, reversal_of_type, reversal_of_number, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()))`,
		doc.Key.FiscalYear, doc.Key.CompanyID, int(doc.Key.RecType), doc.Key.RecNumber, doc.Group,
		doc.TransDate, doc.CreatedBy, revYear, revCompany, revType, revNumber, nullTime(doc.CreatedAt))
	return err
}

func (t *txRepo) InsertLines(ctx context.Context, key DocumentKey, lines []LineItem) error {
	batch := &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO stock_document_lines
(fiscal_year, company_id, rec_type, rec_number, sno, item_code, quantity, unit_cost, from_location, to_location)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10)`,
			key.FiscalYear, key.CompanyID, int(key.RecType), key.RecNumber, line.Sno, line.ItemCode,
			line.Quantity.String(), line.UnitCost.String(), line.FromLocation, line.ToLocation)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *txRepo) InsertLedger(ctx context.Context, ledger approval.Ledger) error {
	batch := &pgx.Batch{}
	for _, rec := range ledger.Levels {
		batch.Queue(`INSERT INTO approval_levels
(fiscal_year, company_id, rec_group, rec_number, level, status, approver_id, decided_at, comments)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ledger.Key.FiscalYear, ledger.Key.CompanyID, ledger.Key.Group, ledger.Key.RecNumber,
			rec.Level, int(rec.Status), nullInt(rec.ApproverID), nullTime(rec.DecidedAt), rec.Comments)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

// LoadLedger reads the level records of a unit ordered by level.
func (r *Repository) LoadLedger(ctx context.Context, key approval.Key) (approval.Ledger, error) {
	rows, err := r.pool.Query(ctx, `SELECT level, status, approver_id, decided_at, comments
FROM approval_levels
WHERE fiscal_year = $1 AND company_id = $2 AND rec_group = $3 AND rec_number = $4
ORDER BY level`, key.FiscalYear, key.CompanyID, key.Group, key.RecNumber)
	if err != nil {
		return approval.Ledger{}, err
	}
	defer rows.Close()
	ledger := approval.Ledger{Key: key}
	for rows.Next() {
		var row levelRow
		if err := rows.Scan(&row.level, &row.status, &row.approverID, &row.decidedAt, &row.comments); err != nil {
			return approval.Ledger{}, err
		}
		ledger.Levels = append(ledger.Levels, row.record())
	}
	if err := rows.Err(); err != nil {
		return approval.Ledger{}, err
	}
	if len(ledger.Levels) == 0 {
		return approval.Ledger{}, fmt.Errorf("%w: ledger %s", ErrNotFound, key)
	}
	return ledger, nil
}

type levelRow struct {
	level      int
	status     int
	approverID *int64
	decidedAt  *time.Time
	comments   string
}

func (r levelRow) record() approval.LevelRecord {
	rec := approval.LevelRecord{Level: r.level, Status: approval.Status(r.status), Comments: r.comments}
	if r.approverID != nil {
		rec.ApproverID = *r.approverID
	}
	if r.decidedAt != nil {
		rec.DecidedAt = *r.decidedAt
	}
	return rec
}

// LoadUnit reads every document of a unit with its lines and ledger.
func (r *Repository) LoadUnit(ctx context.Context, key approval.Key) (Unit, error) {
	rows, err := r.pool.Query(ctx, `SELECT rec_type, trans_date, created_by, external_synced, external_synced_at,
       COALESCE(external_doc_number, ''), COALESCE(transfer_doc_number, ''),
       reversal_of_year, reversal_of_company, reversal_of_type, reversal_of_number, created_at
FROM stock_documents
WHERE fiscal_year = $1 AND company_id = $2 AND rec_group = $3 AND rec_number = $4
ORDER BY rec_type`, key.FiscalYear, key.CompanyID, key.Group, key.RecNumber)
	if err != nil {
		return Unit{}, err
	}
	var docs []Document
	for rows.Next() {
		doc := Document{Group: key.Group}
		var recType int
		var revYear, revType, revNumber *int
		var revCompany *string
		if err := rows.Scan(&recType, &doc.TransDate, &doc.CreatedBy, &doc.ExternalSynced, &doc.ExternalSyncedAt,
			&doc.ExternalDocNumber, &doc.TransferDocNumber, &revYear, &revCompany, &revType, &revNumber, &doc.CreatedAt); err != nil {
			rows.Close()
			return Unit{}, err
		}
		doc.Key = DocumentKey{FiscalYear: key.FiscalYear, CompanyID: key.CompanyID, RecType: RecType(recType), RecNumber: key.RecNumber}
		if revYear != nil && revCompany != nil && revType != nil && revNumber != nil {
			doc.ReversalOf = &DocumentKey{FiscalYear: *revYear, CompanyID: *revCompany, RecType: RecType(*revType), RecNumber: *revNumber}
		}
		docs = append(docs, doc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Unit{}, err
	}
	if len(docs) == 0 {
		return Unit{}, fmt.Errorf("%w: unit %s", ErrNotFound, key)
	}
	for i := range docs {
		lines, err := r.loadLines(ctx, docs[i].Key)
		if err != nil {
			return Unit{}, err
		}
		docs[i].Lines = lines
	}
	ledger, err := r.LoadLedger(ctx, key)
	if err != nil {
		return Unit{}, err
	}
	return Unit{Key: key, Documents: docs, Ledger: ledger}, nil
}

func (r *Repository) loadLines(ctx context.Context, key DocumentKey) ([]LineItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT sno, item_code, quantity::text, unit_cost::text, from_location, to_location
FROM stock_document_lines
WHERE fiscal_year = $1 AND company_id = $2 AND rec_type = $3 AND rec_number = $4
ORDER BY sno`, key.FiscalYear, key.CompanyID, int(key.RecType), key.RecNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []LineItem
	for rows.Next() {
		var line LineItem
		var qty, cost string
		if err := rows.Scan(&line.Sno, &line.ItemCode, &qty, &cost, &line.FromLocation, &line.ToLocation); err != nil {
			return nil, err
		}
		if line.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("adjustment: parse quantity: %w", err)
		}
		if line.UnitCost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("adjustment: parse unit cost: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ConditionalUpdateLevel writes rec at level only while the stored status
// still equals expected and every lower level is approved. It reports false
// when another writer got there first.
func (r *Repository) ConditionalUpdateLevel(ctx context.Context, key approval.Key, level int, expected approval.Status, rec approval.LevelRecord) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE approval_levels AS l
SET status = $6, approver_id = $7, decided_at = $8, comments = $9
WHERE l.fiscal_year = $1 AND l.company_id = $2 AND l.rec_group = $3 AND l.rec_number = $4
  AND l.level = $5 AND l.status = $10
  AND NOT EXISTS (
    SELECT 1 FROM approval_levels p
    WHERE p.fiscal_year = l.fiscal_year AND p.company_id = l.company_id
      AND p.rec_group = l.rec_group AND p.rec_number = l.rec_number
      AND p.level < l.level AND p.status <> 2
  )`,
		key.FiscalYear, key.CompanyID, key.Group, key.RecNumber, level,
		int(rec.Status), nullInt(rec.ApproverID), nullTime(rec.DecidedAt), rec.Comments, int(expected))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSynced flags every document of the unit as mirrored in the ledger.
func (r *Repository) MarkSynced(ctx context.Context, key approval.Key, docNumber string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE stock_documents
SET external_synced = TRUE, external_synced_at = $5, external_doc_number = $6
WHERE fiscal_year = $1 AND company_id = $2 AND rec_group = $3 AND rec_number = $4`,
		key.FiscalYear, key.CompanyID, key.Group, key.RecNumber, at, docNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: unit %s", ErrNotFound, key)
	}
	return nil
}

// RecordTransfer stores the document number of a transfer pushed for a document.
func (r *Repository) RecordTransfer(ctx context.Context, key DocumentKey, docNumber string) error {
	_, err := r.pool.Exec(ctx, `UPDATE stock_documents SET transfer_doc_number = $5
WHERE fiscal_year = $1 AND company_id = $2 AND rec_type = $3 AND rec_number = $4`,
		key.FiscalYear, key.CompanyID, int(key.RecType), key.RecNumber, docNumber)
	return err
}

// DeleteDocument removes a document and its lines. The unit's ledger goes
// with its last document.
func (r *Repository) DeleteDocument(ctx context.Context, key DocumentKey) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var group string
		err := tx.QueryRow(ctx, `DELETE FROM stock_documents
WHERE fiscal_year = $1 AND company_id = $2 AND rec_type = $3 AND rec_number = $4
RETURNING rec_group`, key.FiscalYear, key.CompanyID, int(key.RecType), key.RecNumber).Scan(&group)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: document %s", ErrNotFound, key)
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM stock_document_lines
WHERE fiscal_year = $1 AND company_id = $2 AND rec_type = $3 AND rec_number = $4`,
			key.FiscalYear, key.CompanyID, int(key.RecType), key.RecNumber); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM approval_levels l
WHERE l.fiscal_year = $1 AND l.company_id = $2 AND l.rec_group = $3 AND l.rec_number = $4
  AND NOT EXISTS (
    SELECT 1 FROM stock_documents d
    WHERE d.fiscal_year = l.fiscal_year AND d.company_id = l.company_id
      AND d.rec_group = l.rec_group AND d.rec_number = l.rec_number
  )`, key.FiscalYear, key.CompanyID, group, key.RecNumber)
		return err
	})
}

// RecordSync appends a ledger call to stock_sync_log.
func (r *Repository) RecordSync(ctx context.Context, log SyncLog) error {
	errs, err := json.Marshal(log.Errors)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO stock_sync_log
(id, fiscal_year, company_id, rec_type, rec_number, endpoint, success, external_doc_number,
 errors, raw_request, raw_response, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()))`,
		uuid.New(), log.Document.FiscalYear, log.Document.CompanyID, int(log.Document.RecType), log.Document.RecNumber,
		log.Endpoint, log.Success, log.ExternalDocNumber, errs, log.RawRequest, log.RawResponse,
		log.Duration.Milliseconds(), nullTime(log.CreatedAt))
	return err
}

// ListPending lists units whose lowest unresolved level is filter.Level.
func (r *Repository) ListPending(ctx context.Context, filter PendingFilter) ([]UnitSummary, error) {
	rows, err := r.pool.Query(ctx, `WITH pending AS (
  SELECT l.fiscal_year, l.company_id, l.rec_group, l.rec_number, l.level
  FROM approval_levels l
  WHERE l.level = $1 AND l.status = 1
    AND ($2::text = '' OR l.company_id = $2)
    AND NOT EXISTS (
      SELECT 1 FROM approval_levels p
      WHERE p.fiscal_year = l.fiscal_year AND p.company_id = l.company_id
        AND p.rec_group = l.rec_group AND p.rec_number = l.rec_number
        AND p.level < l.level AND p.status <> 2
    )
), docs AS (
  SELECT d.fiscal_year, d.company_id, d.rec_group, d.rec_number, d.rec_type, d.trans_date, d.created_by,
         COUNT(li.sno) AS line_count,
         COALESCE(SUM(li.quantity * li.unit_cost), 0) AS amount
  FROM stock_documents d
  LEFT JOIN stock_document_lines li
    ON li.fiscal_year = d.fiscal_year AND li.company_id = d.company_id
   AND li.rec_type = d.rec_type AND li.rec_number = d.rec_number
  GROUP BY d.fiscal_year, d.company_id, d.rec_group, d.rec_number, d.rec_type, d.trans_date, d.created_by
)
SELECT p.fiscal_year, p.company_id, p.rec_group, p.rec_number, p.level,
       array_agg(d.rec_type ORDER BY d.rec_type), MIN(d.trans_date), MIN(d.created_by),
       SUM(d.line_count)::int, SUM(d.amount)::text
FROM pending p
JOIN docs d ON d.fiscal_year = p.fiscal_year AND d.company_id = p.company_id
 AND d.rec_group = p.rec_group AND d.rec_number = p.rec_number
GROUP BY p.fiscal_year, p.company_id, p.rec_group, p.rec_number, p.level
ORDER BY p.fiscal_year, p.company_id, p.rec_number
LIMIT $3`, filter.Level, filter.CompanyID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UnitSummary
	for rows.Next() {
		var s UnitSummary
		var level int
		var types []int32
		var amount string
		if err := rows.Scan(&s.Key.FiscalYear, &s.Key.CompanyID, &s.Key.Group, &s.Key.RecNumber, &level,
			&types, &s.TransDate, &s.CreatedBy, &s.LineCount, &amount); err != nil {
			return nil, err
		}
		for _, t := range types {
			s.RecTypes = append(s.RecTypes, RecType(t))
		}
		if s.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("adjustment: parse amount: %w", err)
		}
		s.State = approval.DocumentState{Phase: approval.PhasePending, Level: level}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Report lists the movement units dated within the filter's range that the
// viewer may see, then attaches their approval levels.
func (r *Repository) Report(ctx context.Context, filter ReportFilter) ([]ReportRow, error) {
	types := make([]int32, 0, len(ReportRecTypes))
	for _, rt := range ReportRecTypes {
		types = append(types, int32(rt))
	}
	rows, err := r.pool.Query(ctx, `WITH docs AS (
  SELECT d.fiscal_year, d.company_id, d.rec_group, d.rec_number, d.rec_type, d.trans_date, d.created_by,
         COALESCE(d.external_doc_number, '') AS doc_number,
         COUNT(li.sno) AS line_count,
         COALESCE(SUM(li.quantity * li.unit_cost), 0) AS amount
  FROM stock_documents d
  LEFT JOIN stock_document_lines li
    ON li.fiscal_year = d.fiscal_year AND li.company_id = d.company_id
   AND li.rec_type = d.rec_type AND li.rec_number = d.rec_number
  WHERE d.rec_type = ANY($1::int[])
    AND d.trans_date BETWEEN $2::date AND $3::date
    AND ($4::text = '' OR d.company_id = $4)
  GROUP BY d.fiscal_year, d.company_id, d.rec_group, d.rec_number, d.rec_type, d.trans_date, d.created_by,
           d.external_doc_number
)
SELECT d.fiscal_year, d.company_id, d.rec_group, d.rec_number,
       array_agg(d.rec_type ORDER BY d.rec_type), MIN(d.trans_date), MIN(d.created_by),
       COALESCE(MIN(u.name), ''), MAX(d.doc_number), SUM(d.line_count)::int, SUM(d.amount)::text
FROM docs d
LEFT JOIN app_users u ON u.id = d.created_by
WHERE CASE WHEN $5::int > 0 THEN EXISTS (
        SELECT 1 FROM approval_levels l
        WHERE l.fiscal_year = d.fiscal_year AND l.company_id = d.company_id
          AND l.rec_group = d.rec_group AND l.rec_number = d.rec_number
          AND l.level <= $5)
      ELSE d.created_by = $6 END
GROUP BY d.fiscal_year, d.company_id, d.rec_group, d.rec_number
ORDER BY MIN(d.trans_date) DESC, d.rec_number DESC
LIMIT $7`, types, filter.From, filter.To, filter.CompanyID, filter.Viewer.ApprovalLevel, filter.Viewer.UserID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRow
	for rows.Next() {
		var row ReportRow
		var recTypes []int32
		var amount string
		if err := rows.Scan(&row.Key.FiscalYear, &row.Key.CompanyID, &row.Key.Group, &row.Key.RecNumber,
			&recTypes, &row.TransDate, &row.CreatedBy, &row.CreatorName, &row.ExternalDocNumber,
			&row.LineCount, &amount); err != nil {
			return nil, err
		}
		for _, t := range recTypes {
			row.RecTypes = append(row.RecTypes, RecType(t))
		}
		if row.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("adjustment: parse amount: %w", err)
		}
		row.Ledger = approval.Ledger{Key: row.Key}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	return out, r.attachLevels(ctx, out)
}

func (r *Repository) attachLevels(ctx context.Context, out []ReportRow) error {
	index := make(map[approval.Key]int, len(out))
	years := make([]int32, 0, len(out))
	companies := make([]string, 0, len(out))
	groups := make([]string, 0, len(out))
	numbers := make([]int32, 0, len(out))
	for i, row := range out {
		index[row.Key] = i
		years = append(years, int32(row.Key.FiscalYear))
		companies = append(companies, row.Key.CompanyID)
		groups = append(groups, row.Key.Group)
		numbers = append(numbers, int32(row.Key.RecNumber))
	}
	rows, err := r.pool.Query(ctx, `SELECT l.fiscal_year, l.company_id, l.rec_group, l.rec_number,
       l.level, l.status, l.approver_id, l.decided_at, l.comments
FROM approval_levels l
JOIN unnest($1::int[], $2::text[], $3::text[], $4::int[]) AS k(fiscal_year, company_id, rec_group, rec_number)
  ON l.fiscal_year = k.fiscal_year AND l.company_id = k.company_id
 AND l.rec_group = k.rec_group AND l.rec_number = k.rec_number
ORDER BY l.level`, years, companies, groups, numbers)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key approval.Key
		var row levelRow
		if err := rows.Scan(&key.FiscalYear, &key.CompanyID, &key.Group, &key.RecNumber,
			&row.level, &row.status, &row.approverID, &row.decidedAt, &row.comments); err != nil {
			return err
		}
		if i, ok := index[key]; ok {
			out[i].Ledger.Levels = append(out[i].Ledger.Levels, row.record())
		}
	}
	return rows.Err()
}

// ListThresholds implements ThresholdSource.
func (r *Repository) ListThresholds(ctx context.Context, companyID string) ([]Threshold, error) {
	rows, err := r.pool.Query(ctx, `SELECT level, min_amount::text, COALESCE(max_amount, 0)::text
FROM approval_thresholds WHERE company_id = $1 ORDER BY level`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Threshold
	for rows.Next() {
		var t Threshold
		var minAmt, maxAmt string
		if err := rows.Scan(&t.Level, &minAmt, &maxAmt); err != nil {
			return nil, err
		}
		if t.MinAmount, err = decimal.NewFromString(minAmt); err != nil {
			return nil, err
		}
		if t.MaxAmount, err = decimal.NewFromString(maxAmt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
