package billing

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*chi.Mux, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	clock := testClock()
	svc := newTestService(repo, clock)
	h := NewHandler(HandlerParams{
		Logger:   testLogger(),
		Service:  svc,
		Workflow: NewWorkflow(repo, clock, testLogger()),
		Ledger:   newTestLedger(repo),
	})
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r, repo
}

func doJSON(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "7")
	req.Header.Set("X-Actor-Name", "alice")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validCreateBody() map[string]any {
	return map[string]any{
		"company_id": 1,
		"type":       "INVOICE",
		"currency":   "CZK",
		"taxed":      true,
		"issuer":     map[string]any{"name": "Acme s.r.o."},
		"customer":   map[string]any{"name": "Globex", "email": "billing@globex.test"},
		"items": []map[string]any{
			{"description": "consulting", "quantity": "10", "unit_price": "100", "vat_rate": "21"},
		},
	}
}

func TestCreateDocumentEndpoint(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/documents", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "25030101", doc.Number)
	require.Equal(t, TypeInvoice, doc.Type)
	require.Equal(t, int64(7), doc.CreatedBy)
	require.True(t, doc.TotalPrice.Equal(dec("1210")))
}

func TestCreateDocumentValidation(t *testing.T) {
	router, _ := newTestHandler(t)

	body := validCreateBody()
	delete(body, "items")
	rec := doJSON(t, router, http.MethodPost, "/documents", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = validCreateBody()
	body["type"] = "RECEIPT"
	rec = doJSON(t, router, http.MethodPost, "/documents", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetDocumentNotFound(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/documents/6a6ec0b8-7f35-4a56-9999-000000000000", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/documents/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEndpointAutoAccepts(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/documents", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	rec = doJSON(t, router, http.MethodPost, "/documents/"+doc.ID.String()+"/submit", map[string]any{"note": "ok"})
	require.Equal(t, http.StatusOK, rec.Code)

	var res TransitionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, StatusAccepted, res.Status)
	require.True(t, res.ReadyForDelivery)

	// A closed document rejects further edits.
	rec = doJSON(t, router, http.MethodPut, "/documents/"+doc.ID.String(), map[string]any{
		"currency": "CZK",
		"customer": map[string]any{"name": "Globex"},
		"items": []map[string]any{
			{"description": "rework", "quantity": "1", "unit_price": "10", "vat_rate": "21"},
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAcceptEndpointRejectsUnsubmitted(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/documents", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	rec = doJSON(t, router, http.MethodPost, "/documents/"+doc.ID.String()+"/accept", map[string]any{"stage": 1})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLinkDepositEndpointDuplicate(t *testing.T) {
	router, repo := newTestHandler(t)
	svc := newTestService(repo, testClock())

	deposit := seedPaidProforma(t, repo, svc)
	rec := doJSON(t, router, http.MethodPost, "/documents", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	path := "/documents/" + doc.ID.String() + "/deposits/" + deposit.ID.String()
	rec = doJSON(t, router, http.MethodPost, path, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, path, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	router, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/documents", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	rec = doJSON(t, router, http.MethodGet, "/documents/"+doc.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		History []HistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	require.Equal(t, HistoryCreated, body.History[0].Kind)
}
