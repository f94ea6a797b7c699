package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// TransitionResult reports the outcome of a workflow transition. When
// ReadyForDelivery is set the caller should trigger delivery after the
// transaction has committed, never inside it.
type TransitionResult struct {
	Status           DocumentStatus
	ReadyForDelivery bool
}

// Workflow is the two-stage accept/deny state machine governing submission,
// approval and closure of documents.
type Workflow struct {
	repo   Repository
	clock  Clock
	logger *slog.Logger
}

// NewWorkflow constructs the approval workflow.
func NewWorkflow(repo Repository, clock Clock, logger *slog.Logger) *Workflow {
	if clock == nil {
		clock = SystemClock()
	}
	return &Workflow{repo: repo, clock: clock, logger: logger}
}

// IsReady reports whether a document passed both approval gates.
func (w *Workflow) IsReady(doc *Document) bool {
	return documentReady(doc)
}

func documentReady(doc *Document) bool {
	return doc != nil &&
		doc.Submitted &&
		doc.AcceptStatus1 == AcceptAccepted &&
		doc.AcceptStatus2 == AcceptAccepted
}

// Submit moves a draft into the approval workflow. Without a configured
// approval policy both stages auto-accept; a second-stage approver accepts
// both stages directly; a first-stage approver clears stage one only.
func (w *Workflow) Submit(ctx context.Context, docID uuid.UUID, actor Actor, note string) (TransitionResult, error) {
	var res TransitionResult
	err := w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Deleted {
			return ErrNotFound
		}
		if doc.Closed {
			return stateErr("submit", "document %s is closed", doc.Number)
		}

		policy, err := tx.ApprovalPolicy(ctx, doc.CompanyID)
		if err != nil {
			return err
		}

		doc.Submitted = true
		var text string
		switch {
		case policy == nil:
			doc.AcceptStatus1 = AcceptAccepted
			doc.AcceptStatus2 = AcceptAccepted
			doc.Status = StatusAccepted
			doc.Closed = true
			res.ReadyForDelivery = true
			text = "submitted: auto-accepted, no approval policy configured"
		case actor.Stage2Approver:
			doc.AcceptStatus1 = AcceptAccepted
			doc.AcceptStatus2 = AcceptAccepted
			doc.Status = StatusAccepted
			doc.Closed = true
			res.ReadyForDelivery = true
			text = "submitted: accepted by second-stage approver"
		case actor.Stage1Approver:
			doc.AcceptStatus1 = AcceptAccepted
			doc.AcceptStatus2 = AcceptWaiting
			doc.Status = StatusPending
			text = "submitted: first stage accepted, awaiting second stage"
		default:
			doc.AcceptStatus1 = AcceptWaiting
			doc.AcceptStatus2 = AcceptWaiting
			doc.Status = StatusPending
			text = "submitted: awaiting both approval stages"
		}
		if note != "" {
			text += ": " + note
		}
		res.Status = doc.Status

		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		return w.appendHistory(ctx, tx, doc.ID, actor, HistorySubmitted, text)
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// Accept clears one approval stage. When both stages are accepted the
// document closes and the result signals delivery readiness.
func (w *Workflow) Accept(ctx context.Context, docID uuid.UUID, stage int, actor Actor) (TransitionResult, error) {
	if stage != 1 && stage != 2 {
		return TransitionResult{}, stateErr("accept", "invalid approval stage %d", stage)
	}
	var res TransitionResult
	err := w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Deleted {
			return ErrNotFound
		}
		if !doc.Submitted {
			return stateErr("accept", "document %s has not been submitted", doc.Number)
		}

		if stage == 1 {
			doc.AcceptStatus1 = AcceptAccepted
		} else {
			doc.AcceptStatus2 = AcceptAccepted
		}
		text := fmt.Sprintf("stage %d accepted", stage)
		if doc.AcceptStatus1 == AcceptAccepted && doc.AcceptStatus2 == AcceptAccepted {
			doc.Status = StatusAccepted
			doc.Closed = true
			res.ReadyForDelivery = true
			text += ", document accepted"
		}
		res.Status = doc.Status

		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		return w.appendHistory(ctx, tx, doc.ID, actor, HistoryAccepted, text)
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

// Deny rejects one stage. A denial at either gate kills the document: the
// other stage is forced to denied as well.
func (w *Workflow) Deny(ctx context.Context, docID uuid.UUID, stage int, reason string, actor Actor) (TransitionResult, error) {
	if stage != 1 && stage != 2 {
		return TransitionResult{}, stateErr("deny", "invalid approval stage %d", stage)
	}
	var res TransitionResult
	err := w.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		doc, err := tx.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Deleted {
			return ErrNotFound
		}
		if !doc.Submitted {
			return stateErr("deny", "document %s has not been submitted", doc.Number)
		}

		doc.AcceptStatus1 = AcceptDenied
		doc.AcceptStatus2 = AcceptDenied
		doc.Status = StatusDenied
		// Derived documents cannot be edited after denial, so they close;
		// invoices and proformas stay open for a corrected resubmission.
		if doc.Type == TypeCorrective || doc.Type == TypePayDocument {
			doc.Closed = true
		}
		res.Status = doc.Status

		text := fmt.Sprintf("stage %d denied", stage)
		if reason != "" {
			text += ": " + reason
		}
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return err
		}
		return w.appendHistory(ctx, tx, doc.ID, actor, HistoryDenied, text)
	})
	if err != nil {
		return TransitionResult{}, err
	}
	return res, nil
}

func (w *Workflow) appendHistory(ctx context.Context, tx TxRepository, docID uuid.UUID, actor Actor, kind, text string) error {
	return tx.AppendHistory(ctx, HistoryEntry{
		ID:         uuid.New(),
		DocumentID: docID,
		ActorID:    actor.ID,
		Kind:       kind,
		Text:       text,
		At:         w.clock.Now(),
	})
}
