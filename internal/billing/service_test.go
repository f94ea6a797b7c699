package billing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoice(t *testing.T) {
	repo := newMemoryRepo()
	clock := testClock()
	svc := newTestService(repo, clock)

	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1,
		Type:      TypeInvoice,
		Currency:  "czk",
		Taxed:     true,
		Issuer:    Party{Name: "Acme s.r.o."},
		Customer:  Party{Name: "Globex", Email: "billing@globex.test"},
		Items:     testItems(),
		Actor:     Actor{ID: 7, Name: "alice"},
	})
	require.NoError(t, err)

	require.Equal(t, "25030101", doc.Number)
	require.Equal(t, doc.Number, doc.VariableSymbol)
	require.Equal(t, StatusDraft, doc.Status)
	require.Equal(t, "CZK", doc.Currency)
	require.True(t, doc.Rate.Equal(dec("1")))
	// 1000 + 210 VAT plus 200 + 30 VAT.
	require.True(t, doc.TotalPrice.Equal(dec("1440")), "total %s", doc.TotalPrice)
	require.True(t, doc.TotalTax.Equal(dec("240")))
	require.Equal(t, clock.Now(), doc.IssueDate)
	require.Equal(t, doc.IssueDate, doc.TaxDate)
	require.Equal(t, doc.IssueDate.AddDate(0, 0, 14), doc.DueDate)

	stored, err := svc.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 2)
	require.Equal(t, 1, stored.Items[0].Position)

	history, err := svc.History(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, HistoryCreated, history[0].Kind)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	svc := newTestService(newMemoryRepo(), testClock())

	_, err := svc.Create(context.Background(), CreateDocumentInput{Type: "RECEIPT"})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestCreateRejectsInvalidCurrency(t *testing.T) {
	svc := newTestService(newMemoryRepo(), testClock())

	_, err := svc.Create(context.Background(), CreateDocumentInput{Type: TypeInvoice, Currency: "XXXX"})
	require.Error(t, err)
}

func TestCreateFallsBackToBaseCurrencyOnResolverMiss(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1,
		Type:      TypeInvoice,
		Currency:  "JPY", // not in the static table
		Items:     testItems(),
	})
	require.NoError(t, err)
	require.Equal(t, "CZK", doc.Currency)
	require.True(t, doc.Rate.Equal(dec("1")))
}

func TestCreateSnapshotsForeignRate(t *testing.T) {
	repo := newMemoryRepo()
	clock := testClock()
	svc := newTestService(repo, clock)

	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1,
		Type:      TypeInvoice,
		Currency:  "EUR",
		Items:     testItems(),
	})
	require.NoError(t, err)
	require.Equal(t, "EUR", doc.Currency)
	require.True(t, doc.Rate.Equal(dec("25.105")))
	require.Equal(t, clock.Now(), doc.RateDate)
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	first, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)
	second, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)

	require.Equal(t, "25030101", first.Number)
	require.Equal(t, "25030102", second.Number)
}

func TestCreateRejectsDuplicateDepositSet(t *testing.T) {
	svc := newTestService(newMemoryRepo(), testClock())
	dup := uuid.New()

	_, err := svc.Create(context.Background(), CreateDocumentInput{
		Type:       TypeInvoice,
		DepositIDs: []uuid.UUID{dup, dup},
	})
	require.ErrorIs(t, err, ErrDuplicateDeposit)
}

func TestSaveReplacesItemsAndReopensWorkflow(t *testing.T) {
	repo := newMemoryRepo()
	clock := testClock()
	svc := newTestService(repo, clock)

	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Taxed: true, Items: testItems(), Actor: Actor{ID: 7},
	})
	require.NoError(t, err)

	// Simulate a partially approved document before the edit.
	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	stored.Submitted = true
	stored.AcceptStatus1 = AcceptAccepted
	stored.Status = StatusPending
	require.NoError(t, repo.UpdateDocument(context.Background(), stored))

	saved, err := svc.Save(context.Background(), doc.ID, SaveDocumentInput{
		Taxed: true,
		Items: []ItemInput{{Description: "rework", Quantity: dec("1"), UnitPrice: dec("500"), VATRate: dec("21")}},
		Note:  "second round",
		Actor: Actor{ID: 7},
	})
	require.NoError(t, err)

	require.Len(t, saved.Items, 1)
	require.True(t, saved.TotalPrice.Equal(dec("605")))
	require.Equal(t, StatusDraft, saved.Status)
	require.False(t, saved.Submitted)
	require.Equal(t, AcceptWaiting, saved.AcceptStatus1)
	require.Equal(t, AcceptWaiting, saved.AcceptStatus2)
	require.Equal(t, "second round", saved.Note)

	history, err := svc.History(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, HistoryUpdated, history[len(history)-1].Kind)
}

func TestSaveClosedDocumentFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	doc, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	stored.Closed = true
	require.NoError(t, repo.UpdateDocument(context.Background(), stored))

	_, err = svc.Save(context.Background(), doc.ID, SaveDocumentInput{Actor: Actor{ID: 7}})
	require.True(t, IsStateError(err), "got %v", err)
}

func TestSaveCurrencyChangeFailsWithoutRate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	doc, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)

	_, err = svc.Save(context.Background(), doc.ID, SaveDocumentInput{Currency: "JPY", Actor: Actor{ID: 7}})
	var rateErr *RateError
	require.ErrorAs(t, err, &rateErr)
	require.Equal(t, "JPY", rateErr.Currency)
}

func TestRemoveTombstonesNumberAndSymbol(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	doc, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background(), doc.ID, Actor{ID: 7}))

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, stored.Deleted)
	require.True(t, stored.Closed)
	require.Equal(t, StatusCancelled, stored.Status)
	require.True(t, strings.HasPrefix(stored.Number, "DEL-"))
	require.True(t, strings.HasPrefix(stored.VariableSymbol, "DEL-"))

	// The freed number is allocatable again, the tombstoned one is not reused.
	next, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)
	require.Equal(t, "25030102", next.Number)
}

func TestRemoveIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	doc, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background(), doc.ID, Actor{ID: 7}))
	require.NoError(t, svc.Remove(context.Background(), doc.ID, Actor{ID: 7}))

	history, err := svc.History(context.Background(), doc.ID)
	require.NoError(t, err)
	removed := 0
	for _, h := range history {
		if h.Kind == HistoryRemoved {
			removed++
		}
	}
	require.Equal(t, 1, removed)
}

func TestRemoveCascadesToLinkedDocument(t *testing.T) {
	repo := newMemoryRepo()
	clock := testClock()
	svc := newTestService(repo, clock)

	proforma := seedPaidProforma(t, repo, svc)
	pay, err := svc.GeneratePayDocument(context.Background(), proforma.ID, Actor{ID: 7})
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background(), proforma.ID, Actor{ID: 7}))

	storedPay, err := repo.GetDocument(context.Background(), pay.ID)
	require.NoError(t, err)
	require.True(t, storedPay.Deleted, "derived document must not outlive its base")
}

func TestProjectComputesDerivedFields(t *testing.T) {
	repo := newMemoryRepo()
	clock := testClock()
	svc := newTestService(repo, clock)

	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Taxed: true, Items: testItems(),
	})
	require.NoError(t, err)

	paid := clock.Now().AddDate(0, 0, 20)
	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	stored.PayDate = &paid
	require.NoError(t, repo.UpdateDocument(context.Background(), stored))

	view, err := svc.Project(context.Background(), doc.ID)
	require.NoError(t, err)
	require.True(t, view.ItemTotalPrice.Equal(dec("1200")))
	require.Len(t, view.TaxTable, 2)
	require.True(t, view.SettlementDelta.IsZero())
	require.True(t, view.TotalPriceDiff.IsZero())
	// Paid six days after the 14-day due date.
	require.Equal(t, 6, view.PayDateDiff)
}

func TestProjectPayDocumentReportsNoDrift(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	proforma := seedPaidProforma(t, repo, svc)

	pay, err := svc.GeneratePayDocument(context.Background(), proforma.ID, Actor{ID: 7})
	require.NoError(t, err)

	// The pay document consumes the proforma as a deposit, but its stored
	// zero price is correct: no settlement delta, no drift.
	view, err := svc.Project(context.Background(), pay.ID)
	require.NoError(t, err)
	require.True(t, view.SettlementDelta.IsZero(), "delta %s", view.SettlementDelta)
	require.True(t, view.TotalPriceDiff.IsZero(), "diff %s", view.TotalPriceDiff)
	require.True(t, view.TotalPrice.IsZero())
}

func TestSavePayDocumentKeepsZeroPrice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	proforma := seedPaidProforma(t, repo, svc)

	pay, err := svc.GeneratePayDocument(context.Background(), proforma.ID, Actor{ID: 7})
	require.NoError(t, err)

	saved, err := svc.Save(context.Background(), pay.ID, SaveDocumentInput{
		Taxed:      pay.Taxed,
		Note:       "corrected note",
		DepositIDs: pay.DepositIDs,
		Actor:      Actor{ID: 7},
	})
	require.NoError(t, err)
	require.True(t, saved.TotalPrice.IsZero(), "total %s", saved.TotalPrice)
}

func TestListFiltersByTypeAndStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	_, err := svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeInvoice, Items: testItems()})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), CreateDocumentInput{CompanyID: 1, Type: TypeProforma, Items: testItems()})
	require.NoError(t, err)

	invoices, err := svc.List(context.Background(), ListFilter{CompanyID: 1, Type: TypeInvoice})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, TypeInvoice, invoices[0].Type)

	all, err := svc.List(context.Background(), ListFilter{CompanyID: 1})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

// seedPaidProforma creates a proforma that passed both approval gates and is
// paid, the common precondition of the generators.
func seedPaidProforma(t *testing.T, repo *memoryRepo, svc *Service) *Document {
	t.Helper()
	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1,
		Type:      TypeProforma,
		Taxed:     true,
		Items:     testItems(),
		Actor:     Actor{ID: 7},
	})
	require.NoError(t, err)

	stored, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	stored.Submitted = true
	stored.AcceptStatus1 = AcceptAccepted
	stored.AcceptStatus2 = AcceptAccepted
	stored.Status = StatusAccepted
	stored.Closed = true
	paid := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	stored.PayDate = &paid
	require.NoError(t, repo.UpdateDocument(context.Background(), stored))

	out, err := repo.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	return out
}
