package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositLedger tracks which documents are used as advances against which
// final documents. Both directions of a link live in one association table
// and are only ever mutated through this type, so no caller can update one
// side without the other.
type DepositLedger struct {
	repo  Repository
	calc  Calculator
	clock Clock
}

// NewDepositLedger constructs the ledger.
func NewDepositLedger(repo Repository, calc Calculator, clock Clock) *DepositLedger {
	if clock == nil {
		clock = SystemClock()
	}
	return &DepositLedger{repo: repo, calc: calc, clock: clock}
}

// LinkDeposit records that finalID consumes depositID as an advance. Linking
// the same pair twice fails with ErrDuplicateDeposit and leaves the ledger
// unchanged.
func (l *DepositLedger) LinkDeposit(ctx context.Context, finalID, depositID uuid.UUID, actor Actor) error {
	if finalID == depositID {
		return stateErr("link deposit", "document cannot settle itself")
	}
	return l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		final, err := tx.GetDocument(ctx, finalID)
		if err != nil {
			return err
		}
		dep, err := tx.GetDocument(ctx, depositID)
		if err != nil {
			return err
		}
		if final.Deleted || dep.Deleted {
			return ErrNotFound
		}
		if final.HasDeposit(depositID) {
			return ErrDuplicateDeposit
		}
		if err := tx.LinkDeposit(ctx, finalID, depositID); err != nil {
			return err
		}
		now := l.clock.Now()
		if err := tx.AppendHistory(ctx, HistoryEntry{
			ID:         uuid.New(),
			DocumentID: finalID,
			ActorID:    actor.ID,
			Kind:       HistoryLinked,
			Text:       fmt.Sprintf("deposit %s linked", dep.Number),
			At:         now,
		}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, HistoryEntry{
			ID:         uuid.New(),
			DocumentID: depositID,
			ActorID:    actor.ID,
			Kind:       HistoryLinked,
			Text:       fmt.Sprintf("consumed as deposit by %s", final.Number),
			At:         now,
		})
	})
}

// UnlinkAll removes every deposit link the document consumes. Called before
// an edit rebuilds the item list so re-saving never accumulates duplicates.
func (l *DepositLedger) UnlinkAll(ctx context.Context, docID uuid.UUID) error {
	return l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetDocument(ctx, docID); err != nil {
			return err
		}
		return tx.UnlinkDeposits(ctx, docID)
	})
}

// SettlementDelta returns the signed amount to subtract from the document's
// computed item total because its deposits already collected that revenue.
func (l *DepositLedger) SettlementDelta(ctx context.Context, docID uuid.UUID) (decimal.Decimal, error) {
	doc, err := l.repo.GetDocument(ctx, docID)
	if err != nil {
		return decimal.Zero, err
	}
	deps, err := l.repo.GetDocuments(ctx, doc.DepositIDs)
	if err != nil {
		return decimal.Zero, err
	}
	return l.calc.SettlementDelta(deps), nil
}
