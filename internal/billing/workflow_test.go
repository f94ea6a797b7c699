package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func seedDraft(t *testing.T, repo *memoryRepo, docType DocumentType) *Document {
	t.Helper()
	clock := testClock()
	doc := &Document{
		ID:             uuid.New(),
		CompanyID:      1,
		Type:           docType,
		Number:         "2503" + uuid.NewString()[:4],
		VariableSymbol: uuid.NewString(),
		Status:         StatusDraft,
		AcceptStatus1:  AcceptWaiting,
		AcceptStatus2:  AcceptWaiting,
		Currency:       "CZK",
		Rate:           dec("1"),
		IssueDate:      clock.Now(),
		TaxDate:        clock.Now(),
		DueDate:        clock.Now().AddDate(0, 0, 14),
	}
	require.NoError(t, repo.InsertDocument(context.Background(), doc))
	return doc
}

func TestSubmitAutoAcceptsWithoutPolicy(t *testing.T) {
	repo := newMemoryRepo()
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	res, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7}, "")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.True(t, res.ReadyForDelivery)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, stored.Submitted)
	require.True(t, stored.Closed)
	require.Equal(t, AcceptAccepted, stored.AcceptStatus1)
	require.Equal(t, AcceptAccepted, stored.AcceptStatus2)

	history, err := repo.History(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, HistorySubmitted, history[0].Kind)
}

func TestSubmitBySecondStageApproverShortCircuits(t *testing.T) {
	repo := newMemoryRepo()
	repo.policies[1] = &ApprovalPolicy{CompanyID: 1, TwoStage: true}
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	res, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7, Stage2Approver: true}, "")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.True(t, res.ReadyForDelivery)
}

func TestSubmitByFirstStageApproverAwaitsSecondStage(t *testing.T) {
	repo := newMemoryRepo()
	repo.policies[1] = &ApprovalPolicy{CompanyID: 1, TwoStage: true}
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	res, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7, Stage1Approver: true}, "urgent")
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)
	require.False(t, res.ReadyForDelivery)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, AcceptAccepted, stored.AcceptStatus1)
	require.Equal(t, AcceptWaiting, stored.AcceptStatus2)
	require.False(t, stored.Closed)
}

func TestSubmitWithoutAuthorityLeavesBothStagesWaiting(t *testing.T) {
	repo := newMemoryRepo()
	repo.policies[1] = &ApprovalPolicy{CompanyID: 1, TwoStage: true}
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	res, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7}, "")
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, AcceptWaiting, stored.AcceptStatus1)
	require.Equal(t, AcceptWaiting, stored.AcceptStatus2)
}

func TestSubmitClosedDocumentFails(t *testing.T) {
	repo := newMemoryRepo()
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)
	doc.Closed = true
	require.NoError(t, repo.UpdateDocument(context.Background(), doc))

	_, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7}, "")
	require.True(t, IsStateError(err), "got %v", err)
}

func TestAcceptBothStagesClosesDocument(t *testing.T) {
	repo := newMemoryRepo()
	repo.policies[1] = &ApprovalPolicy{CompanyID: 1, TwoStage: true}
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	_, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7}, "")
	require.NoError(t, err)

	res, err := wf.Accept(context.Background(), doc.ID, 1, Actor{ID: 8})
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)
	require.False(t, res.ReadyForDelivery)

	res, err = wf.Accept(context.Background(), doc.ID, 2, Actor{ID: 9})
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.True(t, res.ReadyForDelivery)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, stored.Closed)
	require.True(t, wf.IsReady(stored))
}

func TestAcceptRequiresSubmission(t *testing.T) {
	repo := newMemoryRepo()
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	_, err := wf.Accept(context.Background(), doc.ID, 1, Actor{ID: 8})
	require.True(t, IsStateError(err), "got %v", err)
}

func TestAcceptRejectsInvalidStage(t *testing.T) {
	repo := newMemoryRepo()
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	_, err := wf.Accept(context.Background(), doc.ID, 3, Actor{ID: 8})
	require.True(t, IsStateError(err), "got %v", err)
}

func TestIsReadyOverAllStageCombinations(t *testing.T) {
	wf := NewWorkflow(newMemoryRepo(), testClock(), testLogger())
	statuses := []AcceptStatus{AcceptWaiting, AcceptAccepted, AcceptDenied}

	for _, submitted := range []bool{false, true} {
		for _, s1 := range statuses {
			for _, s2 := range statuses {
				doc := &Document{Submitted: submitted, AcceptStatus1: s1, AcceptStatus2: s2}
				want := submitted && s1 == AcceptAccepted && s2 == AcceptAccepted
				require.Equal(t, want, wf.IsReady(doc),
					"submitted=%v stage1=%s stage2=%s", submitted, s1, s2)
			}
		}
	}

	require.False(t, wf.IsReady(nil))
}

func TestDenyForcesBothStagesDenied(t *testing.T) {
	repo := newMemoryRepo()
	repo.policies[1] = &ApprovalPolicy{CompanyID: 1, TwoStage: true}
	wf := NewWorkflow(repo, testClock(), testLogger())
	doc := seedDraft(t, repo, TypeInvoice)

	_, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7, Stage1Approver: true}, "")
	require.NoError(t, err)

	res, err := wf.Deny(context.Background(), doc.ID, 2, "wrong customer", Actor{ID: 9})
	require.NoError(t, err)
	require.Equal(t, StatusDenied, res.Status)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, AcceptDenied, stored.AcceptStatus1)
	require.Equal(t, AcceptDenied, stored.AcceptStatus2)
	// Invoices stay open for a corrected resubmission.
	require.False(t, stored.Closed)

	history, err := repo.History(context.Background(), doc.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, HistoryDenied, last.Kind)
	require.Contains(t, last.Text, "wrong customer")
}

func TestDenyClosesDerivedDocuments(t *testing.T) {
	repo := newMemoryRepo()
	repo.policies[1] = &ApprovalPolicy{CompanyID: 1, TwoStage: true}
	wf := NewWorkflow(repo, testClock(), testLogger())

	for _, docType := range []DocumentType{TypeCorrective, TypePayDocument} {
		doc := seedDraft(t, repo, docType)
		_, err := wf.Submit(context.Background(), doc.ID, Actor{ID: 7}, "")
		require.NoError(t, err)

		_, err = wf.Deny(context.Background(), doc.ID, 1, "", Actor{ID: 9})
		require.NoError(t, err)

		stored, err := repo.GetDocument(context.Background(), doc.ID)
		require.NoError(t, err)
		require.True(t, stored.Closed, "%s should close on denial", docType)
	}
}
