package billing

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/fakturo/fakturo/internal/rates"
	_ "github.com/fakturo/fakturo/testing"
)

// memoryRepo is an in-memory Repository and TxRepository used across the
// package tests. It enforces the same uniqueness rules the database schema
// does: duplicate numbers surface as a 23505 error and duplicate deposit
// links as ErrDuplicateDeposit.
type memoryRepo struct {
	docs     map[uuid.UUID]*Document
	items    map[uuid.UUID][]Item
	links    map[uuid.UUID][]uuid.UUID
	history  map[uuid.UUID][]HistoryEntry
	policies map[int64]*ApprovalPolicy
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		docs:     make(map[uuid.UUID]*Document),
		items:    make(map[uuid.UUID][]Item),
		links:    make(map[uuid.UUID][]uuid.UUID),
		history:  make(map[uuid.UUID][]HistoryEntry),
		policies: make(map[int64]*ApprovalPolicy),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) GetDocument(_ context.Context, id uuid.UUID) (*Document, error) {
	doc, ok := r.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(doc), nil
}

func (r *memoryRepo) GetDocuments(ctx context.Context, ids []uuid.UUID) ([]*Document, error) {
	out := make([]*Document, 0, len(ids))
	for _, id := range ids {
		doc, err := r.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *memoryRepo) ListDocuments(_ context.Context, f ListFilter) ([]Document, error) {
	var out []Document
	for _, doc := range r.docs {
		if doc.Deleted != f.Deleted {
			continue
		}
		if f.CompanyID != 0 && doc.CompanyID != f.CompanyID {
			continue
		}
		if f.Type != "" && doc.Type != f.Type {
			continue
		}
		if f.Status != "" && doc.Status != f.Status {
			continue
		}
		out = append(out, *r.clone(doc))
	}
	return out, nil
}

func (r *memoryRepo) History(_ context.Context, id uuid.UUID) ([]HistoryEntry, error) {
	return append([]HistoryEntry(nil), r.history[id]...), nil
}

func (r *memoryRepo) ApprovalPolicy(_ context.Context, companyID int64) (*ApprovalPolicy, error) {
	policy, ok := r.policies[companyID]
	if !ok {
		return nil, nil
	}
	cp := *policy
	return &cp, nil
}

func (r *memoryRepo) ListNumbersInRange(_ context.Context, from, to time.Time) ([]string, error) {
	var out []string
	for _, doc := range r.docs {
		if inRange(doc.IssueDate, from, to) || inRange(doc.TaxDate, from, to) {
			out = append(out, doc.Number)
		}
	}
	return out, nil
}

func inRange(d, from, to time.Time) bool {
	return !d.Before(from) && d.Before(to)
}

func (r *memoryRepo) InsertDocument(_ context.Context, doc *Document) error {
	for _, existing := range r.docs {
		if existing.Number == doc.Number || existing.VariableSymbol == doc.VariableSymbol {
			return &pgconn.PgError{Code: "23505", ConstraintName: "uq_documents_number"}
		}
	}
	r.docs[doc.ID] = r.clone(doc)
	return nil
}

func (r *memoryRepo) UpdateDocument(_ context.Context, doc *Document) error {
	if _, ok := r.docs[doc.ID]; !ok {
		return ErrNotFound
	}
	r.docs[doc.ID] = r.clone(doc)
	return nil
}

func (r *memoryRepo) ReplaceItems(_ context.Context, docID uuid.UUID, items []Item) error {
	r.items[docID] = append([]Item(nil), items...)
	return nil
}

func (r *memoryRepo) LinkDeposit(_ context.Context, docID, depositID uuid.UUID) error {
	for _, existing := range r.links[docID] {
		if existing == depositID {
			return ErrDuplicateDeposit
		}
	}
	r.links[docID] = append(r.links[docID], depositID)
	return nil
}

func (r *memoryRepo) UnlinkDeposits(_ context.Context, docID uuid.UUID) error {
	delete(r.links, docID)
	return nil
}

func (r *memoryRepo) AppendHistory(_ context.Context, entry HistoryEntry) error {
	r.history[entry.DocumentID] = append(r.history[entry.DocumentID], entry)
	return nil
}

// clone rebuilds the derived slices the same way the SQL repository loads
// them, so callers can mutate the result without touching the store.
func (r *memoryRepo) clone(doc *Document) *Document {
	cp := *doc
	cp.Items = append([]Item(nil), r.items[doc.ID]...)
	cp.DepositIDs = append([]uuid.UUID(nil), r.links[doc.ID]...)
	cp.DepositedByIDs = nil
	for finalID, deps := range r.links {
		for _, dep := range deps {
			if dep == doc.ID {
				cp.DepositedByIDs = append(cp.DepositedByIDs, finalID)
			}
		}
	}
	if doc.LinkedDocID != nil {
		id := *doc.LinkedDocID
		cp.LinkedDocID = &id
	}
	if doc.ParentDocID != nil {
		id := *doc.ParentDocID
		cp.ParentDocID = &id
	}
	if doc.PayDate != nil {
		d := *doc.PayDate
		cp.PayDate = &d
	}
	return &cp
}

var (
	_ Repository   = (*memoryRepo)(nil)
	_ TxRepository = (*memoryRepo)(nil)
)

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time { return c.t }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock() *fixedClock {
	return &fixedClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func newTestService(repo *memoryRepo, clock Clock) *Service {
	calc := Calculator{BaseCurrency: "CZK"}
	resolver := rates.NewStatic("CZK", map[string]decimal.Decimal{
		"EUR": decimal.RequireFromString("25.105"),
	})
	ledger := NewDepositLedger(repo, calc, clock)
	return NewService(repo, resolver, calc, ledger, clock, testLogger())
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testItems() []ItemInput {
	return []ItemInput{
		{Description: "consulting", Quantity: dec("10"), UnitPrice: dec("100"), VATRate: dec("21")},
		{Description: "training", Quantity: dec("2"), UnitPrice: dec("100"), VATRate: dec("15")},
	}
}
