package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/fakturo/fakturo/internal/rates"
)

const (
	defaultDueDays      = 14
	createAttemptBudget = 3
)

// Service is the document lifecycle orchestrator and the sole entry point
// for external callers. It pulls numbers from the Sequencer, resolves rates,
// delegates totals to the Calculator and deposit bookkeeping to the
// DepositLedger, and appends one history record per mutation.
type Service struct {
	repo         Repository
	resolver     rates.Resolver
	seq          Sequencer
	calc         Calculator
	ledger       *DepositLedger
	clock        Clock
	logger       *slog.Logger
	baseCurrency string
}

// NewService constructs the lifecycle service.
func NewService(repo Repository, resolver rates.Resolver, calc Calculator, ledger *DepositLedger, clock Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	return &Service{
		repo:         repo,
		resolver:     resolver,
		calc:         calc,
		ledger:       ledger,
		clock:        clock,
		logger:       logger,
		baseCurrency: calc.BaseCurrency,
	}
}

// Create validates the draft, allocates a number keyed by the issue date for
// proformas and the tax date otherwise, snapshots parties and rate, computes
// totals and persists the document with one "created" history entry. The
// whole unit retries on a number collision; the unique index is the final
// arbiter under concurrent creation.
func (s *Service) Create(ctx context.Context, input CreateDocumentInput) (*Document, error) {
	if !input.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, input.Type)
	}

	now := s.clock.Now()
	cur := strings.ToUpper(input.Currency)
	if cur == "" {
		cur = s.baseCurrency
	}
	if _, err := currency.ParseISO(cur); err != nil {
		return nil, fmt.Errorf("billing: invalid currency %q: %w", input.Currency, err)
	}

	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = now
	}
	taxDate := input.TaxDate
	if taxDate.IsZero() {
		taxDate = issueDate
	}
	dueDate := input.DueDate
	if dueDate.IsZero() {
		dueDate = issueDate.AddDate(0, 0, defaultDueDays)
	}

	// Creation is a default-building path: a resolver outage falls back to
	// the base currency at rate 1 instead of failing the draft.
	quote, err := s.resolver.RateFor(ctx, cur, now)
	if err != nil {
		s.logger.Warn("rate resolution failed, falling back to base currency",
			slog.String("currency", cur), slog.Any("error", err))
		cur = s.baseCurrency
		quote = rates.Quote{Currency: cur, Rate: decimal.NewFromInt(1), AsOf: now}
	}

	numberDate := taxDate
	if input.Type == TypeProforma {
		numberDate = issueDate
	}

	if err := validateDepositSet(input.DepositIDs); err != nil {
		return nil, err
	}

	var doc *Document
	for attempt := 0; ; attempt++ {
		doc = &Document{
			ID:             uuid.New(),
			CompanyID:      input.CompanyID,
			Type:           input.Type,
			Status:         StatusDraft,
			AcceptStatus1:  AcceptWaiting,
			AcceptStatus2:  AcceptWaiting,
			Issuer:         input.Issuer,
			Customer:       input.Customer,
			Currency:       cur,
			Rate:           quote.Rate,
			RateDate:       quote.AsOf,
			Taxed:          input.Taxed,
			IssueDate:      issueDate,
			TaxDate:        taxDate,
			DueDate:        dueDate,
			Note:           input.Note,
			CreatedBy:      input.Actor.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
			VariableSymbol: input.VariableSymbol,
		}

		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			number, err := s.seq.Allocate(ctx, tx, numberDate)
			if err != nil {
				return err
			}
			doc.Number = number
			if doc.VariableSymbol == "" {
				doc.VariableSymbol = digitsOnly(number)
			}
			doc.Items = buildItems(doc.ID, input.Items)

			totals := s.calc.DocumentTotals(doc)
			doc.TotalPrice = totals.Total
			doc.TotalTax = totals.TaxTotal
			if doc.Type.SettlesDeposits() {
				deposits, err := tx.GetDocuments(ctx, input.DepositIDs)
				if err != nil {
					return err
				}
				doc.TotalPrice = doc.TotalPrice.Add(s.calc.SettlementDelta(deposits))
			}

			if err := tx.InsertDocument(ctx, doc); err != nil {
				return err
			}
			if err := tx.ReplaceItems(ctx, doc.ID, doc.Items); err != nil {
				return err
			}
			for _, depID := range input.DepositIDs {
				if err := tx.LinkDeposit(ctx, doc.ID, depID); err != nil {
					return err
				}
			}
			doc.DepositIDs = append([]uuid.UUID(nil), input.DepositIDs...)
			return tx.AppendHistory(ctx, HistoryEntry{
				ID:         uuid.New(),
				DocumentID: doc.ID,
				ActorID:    input.Actor.ID,
				Kind:       HistoryCreated,
				Text:       fmt.Sprintf("document %s created", doc.Number),
				At:         now,
			})
		})
		if err == nil {
			return doc, nil
		}
		if !isUniqueViolation(err) || attempt+1 >= createAttemptBudget {
			return nil, err
		}
		s.logger.Warn("document number collision, retrying",
			slog.String("number", doc.Number), slog.Int("attempt", attempt+1))
	}
}

// Save replaces the item list of an open document, recomputes totals and the
// deposit settlement, and reopens the approval workflow: every edit resets
// both accept stages to waiting.
func (s *Service) Save(ctx context.Context, docID uuid.UUID, input SaveDocumentInput) (*Document, error) {
	if err := validateDepositSet(input.DepositIDs); err != nil {
		return nil, err
	}

	var doc *Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Deleted {
			return ErrNotFound
		}
		if doc.Closed {
			return stateErr("save", "document %s is closed", doc.Number)
		}

		now := s.clock.Now()
		if input.Currency != "" && !strings.EqualFold(input.Currency, doc.Currency) {
			cur := strings.ToUpper(input.Currency)
			if _, err := currency.ParseISO(cur); err != nil {
				return fmt.Errorf("billing: invalid currency %q: %w", input.Currency, err)
			}
			// Currency changes during save must not fall back silently.
			quote, err := s.resolver.RateFor(ctx, cur, now)
			if err != nil {
				return &RateError{Currency: cur, Err: err}
			}
			doc.Currency = cur
			doc.Rate = quote.Rate
			doc.RateDate = quote.AsOf
		}

		doc.Taxed = input.Taxed
		if !input.TaxDate.IsZero() {
			doc.TaxDate = input.TaxDate
		}
		if !input.DueDate.IsZero() {
			doc.DueDate = input.DueDate
		}
		doc.PayDate = input.PayDate
		if input.Customer != (Party{}) {
			doc.Customer = input.Customer
		}
		doc.Note = input.Note
		doc.UpdatedAt = now

		// Old items removed, new ones rebuilt with sequential positions.
		doc.Items = buildItems(doc.ID, input.Items)
		if err := tx.ReplaceItems(ctx, doc.ID, doc.Items); err != nil {
			return err
		}

		// Deposits are unlinked before relinking so re-saving never
		// accumulates duplicate links.
		if err := tx.UnlinkDeposits(ctx, doc.ID); err != nil {
			return err
		}
		for _, depID := range input.DepositIDs {
			if err := tx.LinkDeposit(ctx, doc.ID, depID); err != nil {
				return err
			}
		}
		doc.DepositIDs = append([]uuid.UUID(nil), input.DepositIDs...)

		totals := s.calc.DocumentTotals(doc)
		doc.TotalPrice = totals.Total
		doc.TotalTax = totals.TaxTotal
		if doc.Type.SettlesDeposits() {
			deposits, err := tx.GetDocuments(ctx, input.DepositIDs)
			if err != nil {
				return err
			}
			doc.TotalPrice = doc.TotalPrice.Add(s.calc.SettlementDelta(deposits))
		}

		// Every edit reopens the approval workflow.
		doc.AcceptStatus1 = AcceptWaiting
		doc.AcceptStatus2 = AcceptWaiting
		doc.Submitted = false
		doc.Status = StatusDraft

		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, HistoryEntry{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			ActorID:    input.Actor.ID,
			Kind:       HistoryUpdated,
			Text:       fmt.Sprintf("document %s updated", doc.Number),
			At:         now,
		})
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Remove tombstones a document: the number and variable symbol are rewritten
// with a deletion marker, the row is never physically deleted. The tombstone
// cascades to a directly linked corrective or pay-document, which must never
// outlive its base.
func (s *Service) Remove(ctx context.Context, docID uuid.UUID, actor Actor) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Deleted {
			return nil
		}
		now := s.clock.Now()
		if err := s.tombstoneDocument(ctx, tx, doc, actor, now); err != nil {
			return err
		}
		if doc.LinkedDocID == nil {
			return nil
		}
		linked, err := tx.GetDocument(ctx, *doc.LinkedDocID)
		if err != nil {
			return err
		}
		if linked.Deleted {
			return nil
		}
		return s.tombstoneDocument(ctx, tx, linked, actor, now)
	})
}

func (s *Service) tombstoneDocument(ctx context.Context, tx TxRepository, doc *Document, actor Actor, now time.Time) error {
	original := doc.Number
	doc.Number = tombstone(doc.Number, now)
	doc.VariableSymbol = tombstone(doc.VariableSymbol, now)
	doc.Deleted = true
	doc.Closed = true
	doc.Status = StatusCancelled
	doc.UpdatedAt = now
	if err := tx.UpdateDocument(ctx, doc); err != nil {
		return err
	}
	return tx.AppendHistory(ctx, HistoryEntry{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		ActorID:    actor.ID,
		Kind:       HistoryRemoved,
		Text:       fmt.Sprintf("document %s removed", original),
		At:         now,
	})
}

// Get returns a document by id.
func (s *Service) Get(ctx context.Context, docID uuid.UUID) (*Document, error) {
	return s.repo.GetDocument(ctx, docID)
}

// List returns documents matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Document, error) {
	return s.repo.ListDocuments(ctx, f)
}

// History returns the append-only audit trail of a document.
func (s *Service) History(ctx context.Context, docID uuid.UUID) ([]HistoryEntry, error) {
	return s.repo.History(ctx, docID)
}

// DocumentView is the read-only projection exposed to the endpoint and
// export layers.
type DocumentView struct {
	Document
	ItemTotalPrice  decimal.Decimal
	TaxTable        []TaxLine
	SettlementDelta decimal.Decimal
	TotalPriceDiff  decimal.Decimal
	PayDateDiff     int
}

// Project recomputes the derived fields of a document for serialization.
func (s *Service) Project(ctx context.Context, docID uuid.UUID) (*DocumentView, error) {
	doc, err := s.repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	totals := s.calc.DocumentTotals(doc)
	delta := decimal.Zero
	if doc.Type.SettlesDeposits() {
		deposits, err := s.repo.GetDocuments(ctx, doc.DepositIDs)
		if err != nil {
			return nil, err
		}
		delta = s.calc.SettlementDelta(deposits)
	}
	return &DocumentView{
		Document:        *doc,
		ItemTotalPrice:  totals.ItemTotal,
		TaxTable:        totals.TaxTable,
		SettlementDelta: delta,
		TotalPriceDiff:  s.calc.PriceDiff(doc, totals.Total.Add(delta)),
		PayDateDiff:     s.calc.PayDateDiff(doc, s.clock.Now()),
	}, nil
}

func buildItems(docID uuid.UUID, inputs []ItemInput) []Item {
	items := make([]Item, len(inputs))
	for i, in := range inputs {
		items[i] = Item{
			ID:          uuid.New(),
			DocumentID:  docID,
			Position:    i + 1,
			Description: in.Description,
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			VATRate:     in.VATRate,
			DiscountPct: in.DiscountPct,
		}
	}
	return items
}

func validateDepositSet(ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return ErrDuplicateDeposit
		}
		seen[id] = struct{}{}
	}
	return nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
