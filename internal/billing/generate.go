package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Generators derive a new linked document from an existing one. All three
// share the same preconditions: the source must have passed both approval
// gates and must be paid. Violations surface as StateError, the business
// rule, not a generic validation failure.

func (s *Service) checkGenerateSource(doc *Document, op string, wantType DocumentType) error {
	if doc.Deleted {
		return ErrNotFound
	}
	if doc.Type != wantType {
		return stateErr(op, "document %s is a %s, expected %s", doc.Number, doc.Type, wantType)
	}
	if !documentReady(doc) {
		return stateErr(op, "document %s has not passed approval", doc.Number)
	}
	if doc.PayDate == nil {
		return stateErr(op, "document %s has not been paid", doc.Number)
	}
	return nil
}

// GeneratePayDocument derives a payment-confirmation document from a paid,
// approved proforma. The pay-document records tax, not price: its total
// price is zero because the price was already invoiced by the proforma.
func (s *Service) GeneratePayDocument(ctx context.Context, proformaID uuid.UUID, actor Actor) (*Document, error) {
	var pay *Document
	err := s.runWithRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		src, err := tx.GetDocument(ctx, proformaID)
		if err != nil {
			return err
		}
		if err := s.checkGenerateSource(src, "generate pay document", TypeProforma); err != nil {
			return err
		}
		if src.LinkedDocID != nil {
			return stateErr("generate pay document", "document %s already has a pay document", src.Number)
		}

		now := s.clock.Now()
		number, err := s.seq.Allocate(ctx, tx, now)
		if err != nil {
			return err
		}
		pay = &Document{
			ID:             uuid.New(),
			CompanyID:      src.CompanyID,
			Type:           TypePayDocument,
			Number:         number,
			VariableSymbol: digitsOnly(number),
			Status:         StatusDraft,
			AcceptStatus1:  AcceptWaiting,
			AcceptStatus2:  AcceptWaiting,
			Issuer:         src.Issuer,
			Customer:       src.Customer,
			Currency:       src.Currency,
			Rate:           src.Rate,
			RateDate:       src.RateDate,
			Taxed:          src.Taxed,
			TotalPrice:     decimal.Zero,
			TotalTax:       src.TotalTax,
			IssueDate:      now,
			TaxDate:        now,
			DueDate:        now,
			PayDate:        src.PayDate,
			ParentDocID:    &src.ID,
			CreatedBy:      actor.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertDocument(ctx, pay); err != nil {
			return err
		}
		if err := tx.LinkDeposit(ctx, pay.ID, src.ID); err != nil {
			return err
		}
		pay.DepositIDs = []uuid.UUID{src.ID}

		src.LinkedDocID = &pay.ID
		src.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, src); err != nil {
			return err
		}
		return s.crossLinkHistory(ctx, tx, actor, now,
			pay.ID, fmt.Sprintf("pay document generated from proforma %s", src.Number),
			src.ID, fmt.Sprintf("pay document %s generated", pay.Number))
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// GenerateFinalInvoice derives the final regular invoice from a paid,
// approved proforma. Items are copied 1:1, the proforma is linked as a
// deposit so the calculator nets it out, and the currency rate is resolved
// at now rather than reused from the proforma.
func (s *Service) GenerateFinalInvoice(ctx context.Context, proformaID uuid.UUID, actor Actor) (*Document, error) {
	src, err := s.repo.GetDocument(ctx, proformaID)
	if err != nil {
		return nil, err
	}
	if err := s.checkGenerateSource(src, "generate final invoice", TypeProforma); err != nil {
		return nil, err
	}
	// Rate lookup is an external call; resolve before entering the
	// transaction so a slow resolver never holds the numbering lock.
	now := s.clock.Now()
	quote, err := s.resolver.RateFor(ctx, src.Currency, now)
	if err != nil {
		return nil, &RateError{Currency: src.Currency, Err: err}
	}

	var inv *Document
	err = s.runWithRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		src, err := tx.GetDocument(ctx, proformaID)
		if err != nil {
			return err
		}
		if err := s.checkGenerateSource(src, "generate final invoice", TypeProforma); err != nil {
			return err
		}
		// A pay document also registers as a depositing document, so the
		// guard must only count live invoices among the settlers.
		settlers, err := tx.GetDocuments(ctx, src.DepositedByIDs)
		if err != nil {
			return err
		}
		for _, settler := range settlers {
			if settler.Type == TypeInvoice && !settler.Deleted {
				return stateErr("generate final invoice", "document %s is already settled by final invoice %s", src.Number, settler.Number)
			}
		}

		number, err := s.seq.Allocate(ctx, tx, now)
		if err != nil {
			return err
		}
		inv = &Document{
			ID:             uuid.New(),
			CompanyID:      src.CompanyID,
			Type:           TypeInvoice,
			Number:         number,
			VariableSymbol: digitsOnly(number),
			Status:         StatusDraft,
			AcceptStatus1:  AcceptWaiting,
			AcceptStatus2:  AcceptWaiting,
			Issuer:         src.Issuer,
			Customer:       src.Customer,
			Currency:       src.Currency,
			Rate:           quote.Rate,
			RateDate:       quote.AsOf,
			Taxed:          src.Taxed,
			IssueDate:      now,
			TaxDate:        now,
			DueDate:        now.AddDate(0, 0, defaultDueDays),
			ParentDocID:    &src.ID,
			CreatedBy:      actor.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inv.Items = copyItems(inv.ID, src.Items)

		totals := s.calc.DocumentTotals(inv)
		inv.TotalPrice = totals.Total.Add(s.calc.SettlementDelta([]*Document{src}))
		inv.TotalTax = totals.TaxTotal

		if err := tx.InsertDocument(ctx, inv); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, inv.ID, inv.Items); err != nil {
			return err
		}
		if err := tx.LinkDeposit(ctx, inv.ID, src.ID); err != nil {
			return err
		}
		inv.DepositIDs = []uuid.UUID{src.ID}
		return s.crossLinkHistory(ctx, tx, actor, now,
			inv.ID, fmt.Sprintf("final invoice generated from proforma %s", src.Number),
			src.ID, fmt.Sprintf("settled by final invoice %s", inv.Number))
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GenerateCorrective derives a corrective (credit-note) document from a
// regular invoice. A base invoice carries at most one corrective; item
// amounts are negated by the calculator's sign-inversion rule.
func (s *Service) GenerateCorrective(ctx context.Context, baseID uuid.UUID, actor Actor) (*Document, error) {
	var corr *Document
	err := s.runWithRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		base, err := tx.GetDocument(ctx, baseID)
		if err != nil {
			return err
		}
		if err := s.checkGenerateSource(base, "generate corrective", TypeInvoice); err != nil {
			return err
		}
		if base.LinkedDocID != nil {
			return stateErr("generate corrective", "document %s already has a corrective document", base.Number)
		}

		now := s.clock.Now()
		number, err := s.seq.Allocate(ctx, tx, now)
		if err != nil {
			return err
		}
		corr = &Document{
			ID:             uuid.New(),
			CompanyID:      base.CompanyID,
			Type:           TypeCorrective,
			Number:         number,
			VariableSymbol: digitsOnly(number),
			Status:         StatusDraft,
			AcceptStatus1:  AcceptWaiting,
			AcceptStatus2:  AcceptWaiting,
			Issuer:         base.Issuer,
			Customer:       base.Customer,
			Currency:       base.Currency,
			Rate:           base.Rate,
			RateDate:       base.RateDate,
			Taxed:          base.Taxed,
			IssueDate:      now,
			TaxDate:        now,
			DueDate:        now.AddDate(0, 0, defaultDueDays),
			ParentDocID:    &base.ID,
			CreatedBy:      actor.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		corr.Items = copyItems(corr.ID, base.Items)

		totals := s.calc.DocumentTotals(corr)
		corr.TotalPrice = totals.Total
		corr.TotalTax = totals.TaxTotal

		if err := tx.InsertDocument(ctx, corr); err != nil {
			return err
		}
		if err := tx.ReplaceItems(ctx, corr.ID, corr.Items); err != nil {
			return err
		}
		base.LinkedDocID = &corr.ID
		base.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, base); err != nil {
			return err
		}
		return s.crossLinkHistory(ctx, tx, actor, now,
			corr.ID, fmt.Sprintf("corrective document generated from invoice %s", base.Number),
			base.ID, fmt.Sprintf("corrective document %s generated", corr.Number))
	})
	if err != nil {
		return nil, err
	}
	return corr, nil
}

func (s *Service) runWithRetry(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.WithTx(ctx, fn)
		if err == nil || !isUniqueViolation(err) || attempt+1 >= createAttemptBudget {
			return err
		}
		s.logger.Warn("document number collision, retrying", slog.Int("attempt", attempt+1))
	}
}

func (s *Service) crossLinkHistory(ctx context.Context, tx TxRepository, actor Actor, at time.Time, newID uuid.UUID, newText string, srcID uuid.UUID, srcText string) error {
	if err := tx.AppendHistory(ctx, HistoryEntry{
		ID:         uuid.New(),
		DocumentID: newID,
		ActorID:    actor.ID,
		Kind:       HistoryGenerated,
		Text:       newText,
		At:         at,
	}); err != nil {
		return err
	}
	return tx.AppendHistory(ctx, HistoryEntry{
		ID:         uuid.New(),
		DocumentID: srcID,
		ActorID:    actor.ID,
		Kind:       HistoryGenerated,
		Text:       srcText,
		At:         at,
	})
}

func copyItems(docID uuid.UUID, items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{
			ID:          uuid.New(),
			DocumentID:  docID,
			Position:    i + 1,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			VATRate:     it.VATRate,
			DiscountPct: it.DiscountPct,
		}
	}
	return out
}
