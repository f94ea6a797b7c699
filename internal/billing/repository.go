package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fakturo/fakturo/internal/platform/db"
)

// Repository defines read access plus the transactional entry point. Every
// mutating operation of the engine runs inside one WithTx unit of work.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	GetDocuments(ctx context.Context, ids []uuid.UUID) ([]*Document, error)
	ListDocuments(ctx context.Context, f ListFilter) ([]Document, error)
	History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error)
	ApprovalPolicy(ctx context.Context, companyID int64) (*ApprovalPolicy, error)
}

// TxRepository defines operations available within a transaction.
type TxRepository interface {
	NumberSource

	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	GetDocuments(ctx context.Context, ids []uuid.UUID) ([]*Document, error)
	ApprovalPolicy(ctx context.Context, companyID int64) (*ApprovalPolicy, error)

	InsertDocument(ctx context.Context, doc *Document) error
	UpdateDocument(ctx context.Context, doc *Document) error
	ReplaceItems(ctx context.Context, docID uuid.UUID, items []Item) error
	LinkDeposit(ctx context.Context, docID, depositID uuid.UUID) error
	UnlinkDeposits(ctx context.Context, docID uuid.UUID) error
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

var (
	_ Repository   = (*PGRepository)(nil)
	_ TxRepository = (*pgTx)(nil)
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository is the PostgreSQL-backed persistence for billing documents.
type PGRepository struct {
	pgBase
	pool *pgxpool.Pool
}

// NewRepository constructs a repository over a pgx pool.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pgBase: pgBase{db: pool}, pool: pool}
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{pgBase{db: tx}})
	})
}

type pgTx struct {
	pgBase
}

// pgBase carries the queries shared by the pool-backed repository and the
// transaction wrapper.
type pgBase struct {
	db pgQuerier
}

const documentColumns = `
	id, company_id, type, number, variable_symbol,
	status, accept_status1, accept_status2, submitted, closed, deleted,
	issuer, customer,
	currency, rate, rate_date, taxed, total_price, total_tax,
	issue_date, tax_date, due_date, pay_date,
	linked_doc_id, parent_doc_id,
	note, created_by, created_at, updated_at`

func (b pgBase) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := b.db.QueryRow(ctx, `SELECT`+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}

	doc.Items, err = b.listItems(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.DepositIDs, err = b.listLinkedIDs(ctx,
		`SELECT deposit_id FROM document_links WHERE document_id = $1 ORDER BY created_at, deposit_id`, id)
	if err != nil {
		return nil, err
	}
	doc.DepositedByIDs, err = b.listLinkedIDs(ctx,
		`SELECT document_id FROM document_links WHERE deposit_id = $1 ORDER BY created_at, document_id`, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (b pgBase) GetDocuments(ctx context.Context, ids []uuid.UUID) ([]*Document, error) {
	docs := make([]*Document, 0, len(ids))
	for _, id := range ids {
		doc, err := b.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (b pgBase) ListDocuments(ctx context.Context, f ListFilter) ([]Document, error) {
	query := `SELECT` + documentColumns + ` FROM documents WHERE deleted = $1`
	args := []any{f.Deleted}
	argNum := 2

	if f.CompanyID > 0 {
		query += fmt.Sprintf(" AND company_id = $%d", argNum)
		args = append(args, f.CompanyID)
		argNum++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argNum)
		args = append(args, string(f.Type))
		argNum++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(f.Status))
		argNum++
	}
	if !f.FromDate.IsZero() {
		query += fmt.Sprintf(" AND issue_date >= $%d", argNum)
		args = append(args, f.FromDate)
		argNum++
	}
	if !f.ToDate.IsZero() {
		query += fmt.Sprintf(" AND issue_date <= $%d", argNum)
		args = append(args, f.ToDate)
		argNum++
	}
	query += " ORDER BY issue_date DESC, number DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, f.Limit)
		argNum++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, f.Offset)
	}

	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (b pgBase) History(ctx context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	rows, err := b.db.Query(ctx, `SELECT id, document_id, actor_id, kind, text, at
FROM document_history WHERE document_id = $1 ORDER BY at, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.ActorID, &e.Kind, &e.Text, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b pgBase) ApprovalPolicy(ctx context.Context, companyID int64) (*ApprovalPolicy, error) {
	var p ApprovalPolicy
	err := b.db.QueryRow(ctx,
		`SELECT company_id, two_stage FROM approval_policies WHERE company_id = $1`,
		companyID).Scan(&p.CompanyID, &p.TwoStage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListNumbersInRange implements NumberSource over issue and tax dates, so
// backdated documents inside the probe window are always seen.
func (b pgBase) ListNumbersInRange(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := b.db.Query(ctx, `SELECT number FROM documents
WHERE (issue_date >= $1 AND issue_date < $2) OR (tax_date >= $1 AND tax_date < $2)`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

func (b pgBase) InsertDocument(ctx context.Context, doc *Document) error {
	issuer, customer, err := marshalParties(doc)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(ctx, `INSERT INTO documents (
	id, company_id, type, number, variable_symbol,
	status, accept_status1, accept_status2, submitted, closed, deleted,
	issuer, customer,
	currency, rate, rate_date, taxed, total_price, total_tax,
	issue_date, tax_date, due_date, pay_date,
	linked_doc_id, parent_doc_id,
	note, created_by, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		doc.ID, doc.CompanyID, string(doc.Type), doc.Number, doc.VariableSymbol,
		string(doc.Status), string(doc.AcceptStatus1), string(doc.AcceptStatus2),
		doc.Submitted, doc.Closed, doc.Deleted,
		issuer, customer,
		doc.Currency, doc.Rate.String(), doc.RateDate, doc.Taxed,
		doc.TotalPrice.String(), doc.TotalTax.String(),
		doc.IssueDate, doc.TaxDate, doc.DueDate, doc.PayDate,
		doc.LinkedDocID, doc.ParentDocID,
		doc.Note, doc.CreatedBy, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (b pgBase) UpdateDocument(ctx context.Context, doc *Document) error {
	issuer, customer, err := marshalParties(doc)
	if err != nil {
		return err
	}
	tag, err := b.db.Exec(ctx, `UPDATE documents SET
	number = $2, variable_symbol = $3,
	status = $4, accept_status1 = $5, accept_status2 = $6,
	submitted = $7, closed = $8, deleted = $9,
	issuer = $10, customer = $11,
	currency = $12, rate = $13, rate_date = $14, taxed = $15,
	total_price = $16, total_tax = $17,
	issue_date = $18, tax_date = $19, due_date = $20, pay_date = $21,
	linked_doc_id = $22, parent_doc_id = $23,
	note = $24, updated_at = $25
WHERE id = $1`,
		doc.ID, doc.Number, doc.VariableSymbol,
		string(doc.Status), string(doc.AcceptStatus1), string(doc.AcceptStatus2),
		doc.Submitted, doc.Closed, doc.Deleted,
		issuer, customer,
		doc.Currency, doc.Rate.String(), doc.RateDate, doc.Taxed,
		doc.TotalPrice.String(), doc.TotalTax.String(),
		doc.IssueDate, doc.TaxDate, doc.DueDate, doc.PayDate,
		doc.LinkedDocID, doc.ParentDocID,
		doc.Note, doc.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (b pgBase) ReplaceItems(ctx context.Context, docID uuid.UUID, items []Item) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM document_items WHERE document_id = $1`, docID); err != nil {
		return err
	}
	for _, it := range items {
		_, err := b.db.Exec(ctx, `INSERT INTO document_items
(id, document_id, position, description, quantity, unit_price, vat_rate, discount_pct)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, docID, it.Position, it.Description,
			it.Quantity.String(), it.UnitPrice.String(), it.VATRate.String(), it.DiscountPct.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (b pgBase) LinkDeposit(ctx context.Context, docID, depositID uuid.UUID) error {
	_, err := b.db.Exec(ctx, `INSERT INTO document_links (document_id, deposit_id, created_at)
VALUES ($1, $2, NOW())`, docID, depositID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_document_links" {
		return ErrDuplicateDeposit
	}
	return err
}

func (b pgBase) UnlinkDeposits(ctx context.Context, docID uuid.UUID) error {
	_, err := b.db.Exec(ctx, `DELETE FROM document_links WHERE document_id = $1`, docID)
	return err
}

func (b pgBase) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := b.db.Exec(ctx, `INSERT INTO document_history (id, document_id, actor_id, kind, text, at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.DocumentID, entry.ActorID, entry.Kind, entry.Text, entry.At)
	return err
}

func (b pgBase) listItems(ctx context.Context, docID uuid.UUID) ([]Item, error) {
	rows, err := b.db.Query(ctx, `SELECT id, document_id, position, description, quantity, unit_price, vat_rate, discount_pct
FROM document_items WHERE document_id = $1 ORDER BY position`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var qty, price, vat, discount pgtype.Numeric
		if err := rows.Scan(&it.ID, &it.DocumentID, &it.Position, &it.Description,
			&qty, &price, &vat, &discount); err != nil {
			return nil, err
		}
		it.Quantity = numericToDecimal(qty)
		it.UnitPrice = numericToDecimal(price)
		it.VATRate = numericToDecimal(vat)
		it.DiscountPct = numericToDecimal(discount)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (b pgBase) listLinkedIDs(ctx context.Context, query string, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := b.db.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var linked uuid.UUID
		if err := rows.Scan(&linked); err != nil {
			return nil, err
		}
		ids = append(ids, linked)
	}
	return ids, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var docType, status, st1, st2 string
	var issuer, customer []byte
	var rate, totalPrice, totalTax pgtype.Numeric

	err := row.Scan(
		&doc.ID, &doc.CompanyID, &docType, &doc.Number, &doc.VariableSymbol,
		&status, &st1, &st2, &doc.Submitted, &doc.Closed, &doc.Deleted,
		&issuer, &customer,
		&doc.Currency, &rate, &doc.RateDate, &doc.Taxed, &totalPrice, &totalTax,
		&doc.IssueDate, &doc.TaxDate, &doc.DueDate, &doc.PayDate,
		&doc.LinkedDocID, &doc.ParentDocID,
		&doc.Note, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc.Type = DocumentType(docType)
	doc.Status = DocumentStatus(status)
	doc.AcceptStatus1 = AcceptStatus(st1)
	doc.AcceptStatus2 = AcceptStatus(st2)
	doc.Rate = numericToDecimal(rate)
	doc.TotalPrice = numericToDecimal(totalPrice)
	doc.TotalTax = numericToDecimal(totalTax)
	if err := json.Unmarshal(issuer, &doc.Issuer); err != nil {
		return nil, fmt.Errorf("billing: decode issuer snapshot: %w", err)
	}
	if err := json.Unmarshal(customer, &doc.Customer); err != nil {
		return nil, fmt.Errorf("billing: decode customer snapshot: %w", err)
	}
	return &doc, nil
}

func marshalParties(doc *Document) ([]byte, []byte, error) {
	issuer, err := json.Marshal(doc.Issuer)
	if err != nil {
		return nil, nil, err
	}
	customer, err := json.Marshal(doc.Customer)
	if err != nil {
		return nil, nil, err
	}
	return issuer, customer, nil
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation, the arbiter for concurrent number allocation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
