package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestLedger(repo *memoryRepo) *DepositLedger {
	return NewDepositLedger(repo, Calculator{BaseCurrency: "CZK"}, testClock())
}

func TestLinkDepositRecordsBothDirections(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	ledger := newTestLedger(repo)

	deposit := seedPaidProforma(t, repo, svc)
	final, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Taxed: true, Items: testItems(),
	})
	require.NoError(t, err)

	require.NoError(t, ledger.LinkDeposit(context.Background(), final.ID, deposit.ID, Actor{ID: 7}))

	stored, err := repo.GetDocument(context.Background(), final.ID)
	require.NoError(t, err)
	require.True(t, stored.HasDeposit(deposit.ID))

	dep, err := repo.GetDocument(context.Background(), deposit.ID)
	require.NoError(t, err)
	require.Contains(t, dep.DepositedByIDs, final.ID)

	// One history record on each side of the link.
	finalHist, err := repo.History(context.Background(), final.ID)
	require.NoError(t, err)
	require.Equal(t, HistoryLinked, finalHist[len(finalHist)-1].Kind)
	depHist, err := repo.History(context.Background(), deposit.ID)
	require.NoError(t, err)
	require.Equal(t, HistoryLinked, depHist[len(depHist)-1].Kind)
}

func TestLinkDepositRejectsDuplicate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	ledger := newTestLedger(repo)

	deposit := seedPaidProforma(t, repo, svc)
	final, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Taxed: true, Items: testItems(),
	})
	require.NoError(t, err)

	require.NoError(t, ledger.LinkDeposit(context.Background(), final.ID, deposit.ID, Actor{ID: 7}))
	err = ledger.LinkDeposit(context.Background(), final.ID, deposit.ID, Actor{ID: 7})
	require.ErrorIs(t, err, ErrDuplicateDeposit)

	stored, err := repo.GetDocument(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, stored.DepositIDs, 1)
}

func TestLinkDepositRejectsSelfSettlement(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	ledger := newTestLedger(repo)

	doc, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Items: testItems(),
	})
	require.NoError(t, err)

	err = ledger.LinkDeposit(context.Background(), doc.ID, doc.ID, Actor{ID: 7})
	require.True(t, IsStateError(err), "got %v", err)
}

func TestLinkDepositRejectsDeletedDocuments(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	ledger := newTestLedger(repo)

	deposit := seedPaidProforma(t, repo, svc)
	final, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Items: testItems(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Remove(context.Background(), deposit.ID, Actor{ID: 7}))

	err = ledger.LinkDeposit(context.Background(), final.ID, deposit.ID, Actor{ID: 7})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnlinkAllClearsLinks(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	ledger := newTestLedger(repo)

	deposit := seedPaidProforma(t, repo, svc)
	final, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Items: testItems(),
	})
	require.NoError(t, err)
	require.NoError(t, ledger.LinkDeposit(context.Background(), final.ID, deposit.ID, Actor{ID: 7}))

	require.NoError(t, ledger.UnlinkAll(context.Background(), final.ID))

	stored, err := repo.GetDocument(context.Background(), final.ID)
	require.NoError(t, err)
	require.Empty(t, stored.DepositIDs)
}

func TestSettlementDeltaThroughLedger(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())
	ledger := newTestLedger(repo)

	deposit := seedPaidProforma(t, repo, svc)
	final, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID: 1, Type: TypeInvoice, Taxed: true, Items: testItems(),
	})
	require.NoError(t, err)
	require.NoError(t, ledger.LinkDeposit(context.Background(), final.ID, deposit.ID, Actor{ID: 7}))

	delta, err := ledger.SettlementDelta(context.Background(), final.ID)
	require.NoError(t, err)
	require.True(t, delta.Equal(decimal.RequireFromString("-1440")), "delta %s", delta)
}

func TestCreateWithDepositNetsTotal(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, testClock())

	deposit := seedPaidProforma(t, repo, svc)

	final, err := svc.Create(context.Background(), CreateDocumentInput{
		CompanyID:  1,
		Type:       TypeInvoice,
		Taxed:      true,
		Items:      testItems(),
		DepositIDs: []uuid.UUID{deposit.ID},
	})
	require.NoError(t, err)

	// 1440 gross minus the 1440 already collected by the proforma.
	require.True(t, final.TotalPrice.IsZero(), "total %s", final.TotalPrice)
	require.True(t, final.TotalTax.Equal(decimal.RequireFromString("240")))
}
