package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fakturo/fakturo/internal/observability"
	"github.com/fakturo/fakturo/internal/platform/httpx"
	"github.com/fakturo/fakturo/internal/shared"
	"github.com/fakturo/fakturo/jobs"
)

// Handler exposes the billing document API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	workflow *Workflow
	ledger   *DepositLedger
	jobs     *jobs.Client
	audit    *shared.AuditLogger
	idem     *shared.IdempotencyStore
	metrics  *observability.Metrics
	validate *validator.Validate
}

// HandlerParams groups the handler dependencies. Audit, Idem, Jobs and
// Metrics are optional.
type HandlerParams struct {
	Logger   *slog.Logger
	Service  *Service
	Workflow *Workflow
	Ledger   *DepositLedger
	Jobs     *jobs.Client
	Audit    *shared.AuditLogger
	Idem     *shared.IdempotencyStore
	Metrics  *observability.Metrics
}

// NewHandler builds Handler instance.
func NewHandler(params HandlerParams) *Handler {
	return &Handler{
		logger:   params.Logger,
		service:  params.Service,
		workflow: params.Workflow,
		ledger:   params.Ledger,
		jobs:     params.Jobs,
		audit:    params.Audit,
		idem:     params.Idem,
		metrics:  params.Metrics,
		validate: validator.New(),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/documents", h.listDocuments)
	r.Post("/documents", h.createDocument)
	r.Get("/documents/{id}", h.getDocument)
	r.Put("/documents/{id}", h.saveDocument)
	r.Delete("/documents/{id}", h.removeDocument)
	r.Get("/documents/{id}/history", h.documentHistory)
	r.Get("/documents/{id}/settlement", h.settlement)

	r.Post("/documents/{id}/submit", h.submitDocument)
	r.Post("/documents/{id}/accept", h.acceptDocument)
	r.Post("/documents/{id}/deny", h.denyDocument)

	r.Post("/documents/{id}/deposits/{depositID}", h.linkDeposit)

	r.Post("/documents/{id}/pay-document", h.generatePayDocument)
	r.Post("/documents/{id}/final-invoice", h.generateFinalInvoice)
	r.Post("/documents/{id}/corrective", h.generateCorrective)
}

type partyDTO struct {
	Name        string `json:"name" validate:"required"`
	Street      string `json:"street"`
	City        string `json:"city"`
	Zip         string `json:"zip"`
	Country     string `json:"country"`
	RegNumber   string `json:"reg_number"`
	TaxNumber   string `json:"tax_number"`
	BankAccount string `json:"bank_account"`
	IBAN        string `json:"iban"`
	Email       string `json:"email"`
}

type itemDTO struct {
	Description string          `json:"description" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	VATRate     decimal.Decimal `json:"vat_rate"`
	DiscountPct decimal.Decimal `json:"discount_pct"`
}

type createDocumentRequest struct {
	CompanyID      int64     `json:"company_id" validate:"required,gt=0"`
	Type           string    `json:"type" validate:"required"`
	Currency       string    `json:"currency" validate:"required,len=3"`
	Taxed          bool      `json:"taxed"`
	IssueDate      string    `json:"issue_date"`
	TaxDate        string    `json:"tax_date"`
	DueDate        string    `json:"due_date"`
	VariableSymbol string    `json:"variable_symbol"`
	Issuer         partyDTO  `json:"issuer" validate:"required"`
	Customer       partyDTO  `json:"customer" validate:"required"`
	Note           string    `json:"note"`
	Items          []itemDTO `json:"items" validate:"min=1,dive"`
	DepositIDs     []string  `json:"deposit_ids" validate:"dive,uuid"`
}

type saveDocumentRequest struct {
	Currency   string    `json:"currency" validate:"required,len=3"`
	Taxed      bool      `json:"taxed"`
	TaxDate    string    `json:"tax_date"`
	DueDate    string    `json:"due_date"`
	PayDate    string    `json:"pay_date"`
	Customer   partyDTO  `json:"customer" validate:"required"`
	Note       string    `json:"note"`
	Items      []itemDTO `json:"items" validate:"min=1,dive"`
	DepositIDs []string  `json:"deposit_ids" validate:"dive,uuid"`
}

func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	issueDate, err := parseDate(req.IssueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid issue_date", err.Error())
		return
	}
	taxDate, err := parseDate(req.TaxDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid tax_date", err.Error())
		return
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid due_date", err.Error())
		return
	}
	deposits, err := parseUUIDs(req.DepositIDs)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid deposit_ids", err.Error())
		return
	}

	if h.idem != nil {
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			if err := h.idem.CheckAndInsert(r.Context(), key, "billing"); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					httpx.Problem(w, http.StatusConflict, "duplicate request", "this idempotency key was already processed")
					return
				}
				h.writeError(w, r, "idempotency check", err)
				return
			}
		}
	}

	doc, err := h.service.Create(r.Context(), CreateDocumentInput{
		CompanyID:      req.CompanyID,
		Type:           DocumentType(req.Type),
		Currency:       req.Currency,
		Taxed:          req.Taxed,
		IssueDate:      issueDate,
		TaxDate:        taxDate,
		DueDate:        dueDate,
		VariableSymbol: req.VariableSymbol,
		Issuer:         toParty(req.Issuer),
		Customer:       toParty(req.Customer),
		Note:           req.Note,
		Items:          toItemInputs(req.Items),
		DepositIDs:     deposits,
		Actor:          actorFromRequest(r),
	})
	if err != nil {
		h.writeError(w, r, "create document", err)
		return
	}
	h.recordAudit(r, "create", doc.ID.String(), map[string]any{"number": doc.Number, "type": string(doc.Type)})
	h.countOp("create", string(doc.Type))
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.service.Project(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Type:   DocumentType(q.Get("type")),
		Status: DocumentStatus(q.Get("status")),
		Limit:  100,
	}
	if v := q.Get("company_id"); v != "" {
		filter.CompanyID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("from"); v != "" {
		filter.FromDate, _ = time.Parse("2006-01-02", v)
	}
	if v := q.Get("to"); v != "" {
		filter.ToDate, _ = time.Parse("2006-01-02", v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	docs, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, "list documents", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) saveDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req saveDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	taxDate, err := parseDate(req.TaxDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid tax_date", err.Error())
		return
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid due_date", err.Error())
		return
	}
	var payDate *time.Time
	if req.PayDate != "" {
		d, err := time.Parse("2006-01-02", req.PayDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid pay_date", err.Error())
			return
		}
		payDate = &d
	}
	deposits, err := parseUUIDs(req.DepositIDs)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid deposit_ids", err.Error())
		return
	}

	doc, err := h.service.Save(r.Context(), id, SaveDocumentInput{
		Currency:   req.Currency,
		Taxed:      req.Taxed,
		TaxDate:    taxDate,
		DueDate:    dueDate,
		PayDate:    payDate,
		Customer:   toParty(req.Customer),
		Note:       req.Note,
		Items:      toItemInputs(req.Items),
		DepositIDs: deposits,
		Actor:      actorFromRequest(r),
	})
	if err != nil {
		h.writeError(w, r, "save document", err)
		return
	}
	h.recordAudit(r, "update", doc.ID.String(), map[string]any{"number": doc.Number})
	h.countOp("update", string(doc.Type))
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) removeDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Remove(r.Context(), id, actorFromRequest(r)); err != nil {
		h.writeError(w, r, "remove document", err)
		return
	}
	h.recordAudit(r, "remove", id.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) documentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "document history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *Handler) settlement(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	delta, err := h.ledger.SettlementDelta(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "settlement delta", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"settlement_delta": delta})
}

type submitRequest struct {
	Note string `json:"note"`
}

func (h *Handler) submitDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req submitRequest
	_ = httpx.DecodeJSON(r, &req)

	res, err := h.workflow.Submit(r.Context(), id, actorFromRequest(r), req.Note)
	if err != nil {
		h.writeError(w, r, "submit document", err)
		return
	}
	h.recordAudit(r, "submit", id.String(), nil)
	h.notifyDelivery(r, id, res)
	httpx.JSON(w, http.StatusOK, res)
}

type stageRequest struct {
	Stage  int    `json:"stage" validate:"required,oneof=1 2"`
	Reason string `json:"reason"`
}

func (h *Handler) acceptDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req stageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	res, err := h.workflow.Accept(r.Context(), id, req.Stage, actorFromRequest(r))
	if err != nil {
		h.writeError(w, r, "accept document", err)
		return
	}
	h.recordAudit(r, "accept", id.String(), map[string]any{"stage": req.Stage})
	h.notifyDelivery(r, id, res)
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) denyDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req stageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	res, err := h.workflow.Deny(r.Context(), id, req.Stage, req.Reason, actorFromRequest(r))
	if err != nil {
		h.writeError(w, r, "deny document", err)
		return
	}
	h.recordAudit(r, "deny", id.String(), map[string]any{"stage": req.Stage, "reason": req.Reason})
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) linkDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	depositID, ok := h.pathID(w, r, "depositID")
	if !ok {
		return
	}
	if err := h.ledger.LinkDeposit(r.Context(), id, depositID, actorFromRequest(r)); err != nil {
		h.writeError(w, r, "link deposit", err)
		return
	}
	h.recordAudit(r, "link_deposit", id.String(), map[string]any{"deposit_id": depositID.String()})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) generatePayDocument(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, "generate pay document", h.service.GeneratePayDocument)
}

func (h *Handler) generateFinalInvoice(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, "generate final invoice", h.service.GenerateFinalInvoice)
}

func (h *Handler) generateCorrective(w http.ResponseWriter, r *http.Request) {
	h.generate(w, r, "generate corrective", h.service.GenerateCorrective)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id uuid.UUID, actor Actor) (*Document, error)) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	doc, err := fn(r.Context(), id, actorFromRequest(r))
	if err != nil {
		h.writeError(w, r, op, err)
		return
	}
	h.recordAudit(r, "generate", doc.ID.String(), map[string]any{"number": doc.Number, "type": string(doc.Type), "source_id": id.String()})
	h.countOp("generate", string(doc.Type))
	httpx.JSON(w, http.StatusCreated, doc)
}

// notifyDelivery queues the delivery task once a document clears approval.
// Enqueue failures are logged, never surfaced to the caller.
func (h *Handler) notifyDelivery(r *http.Request, id uuid.UUID, res TransitionResult) {
	if !res.ReadyForDelivery || h.jobs == nil {
		return
	}
	if _, err := h.jobs.EnqueueDocumentDelivery(r.Context(), jobs.DocumentDeliveryPayload{DocumentID: id.String()}); err != nil && h.logger != nil {
		h.logger.Warn("enqueue document delivery", slog.Any("error", err), slog.String("document_id", id.String()))
	}
}

// recordAudit writes a cross-entity audit record, best effort.
func (h *Handler) recordAudit(r *http.Request, action, entityID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	actor := actorFromRequest(r)
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "document",
		EntityID: entityID,
		Meta:     meta,
	}); err != nil && h.logger != nil {
		h.logger.Warn("record audit log", slog.Any("error", err), slog.String("action", action))
	}
}

func (h *Handler) countOp(operation, docType string) {
	if h.metrics != nil {
		h.metrics.CountDocumentOp(operation, docType)
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid document id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var rateErr *RateError
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "document not found", "")
	case errors.Is(err, ErrDuplicateDeposit):
		httpx.Problem(w, http.StatusUnprocessableEntity, "duplicate deposit", err.Error())
	case errors.Is(err, ErrUnknownType):
		httpx.Problem(w, http.StatusUnprocessableEntity, "unknown document type", err.Error())
	case errors.Is(err, ErrSequenceExhausted):
		httpx.Problem(w, http.StatusConflict, "numbering sequence exhausted", err.Error())
	case errors.As(err, &rateErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "currency rate unavailable", rateErr.Error())
	case IsStateError(err):
		httpx.Problem(w, http.StatusConflict, "invalid document state", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "internal error", "")
	}
}

// actorFromRequest reads the caller identity injected by the gateway.
func actorFromRequest(r *http.Request) Actor {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-Id"), 10, 64)
	return Actor{
		ID:             id,
		Name:           r.Header.Get("X-Actor-Name"),
		Stage1Approver: r.Header.Get("X-Actor-Stage1") == "true",
		Stage2Approver: r.Header.Get("X-Actor-Stage2") == "true",
	}
}

func toParty(p partyDTO) Party {
	return Party{
		Name:        p.Name,
		Street:      p.Street,
		City:        p.City,
		Zip:         p.Zip,
		Country:     p.Country,
		RegNumber:   p.RegNumber,
		TaxNumber:   p.TaxNumber,
		BankAccount: p.BankAccount,
		IBAN:        p.IBAN,
		Email:       p.Email,
	}
}

func toItemInputs(items []itemDTO) []ItemInput {
	out := make([]ItemInput, 0, len(items))
	for _, it := range items {
		out = append(out, ItemInput{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			VATRate:     it.VATRate,
			DiscountPct: it.DiscountPct,
		})
	}
	return out
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, v := range raw {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", v)
}
