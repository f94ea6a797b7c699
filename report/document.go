package report

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fakturo/fakturo/internal/billing"
)

var documentTemplate = template.Must(template.New("document").Parse(`<html>
<head><title>{{.Document.Number}}</title></head>
<body>
<h1>{{.Document.Type}} {{.Document.Number}}</h1>
<p>Variable symbol: {{.Document.VariableSymbol}}</p>
<table>
<tr><td>Issuer</td><td>{{.Document.Issuer.Name}}, {{.Document.Issuer.Street}}, {{.Document.Issuer.City}}</td></tr>
<tr><td>Customer</td><td>{{.Document.Customer.Name}}, {{.Document.Customer.Street}}, {{.Document.Customer.City}}</td></tr>
<tr><td>Issued</td><td>{{.Document.IssueDate.Format "2006-01-02"}}</td></tr>
<tr><td>Due</td><td>{{.Document.DueDate.Format "2006-01-02"}}</td></tr>
</table>
<table border="1">
<tr><th>#</th><th>Description</th><th>Qty</th><th>Unit price</th><th>VAT %</th></tr>
{{range .Document.Items}}<tr><td>{{.Position}}</td><td>{{.Description}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.VATRate}}</td></tr>
{{end}}
</table>
{{range .TaxTable}}<p>VAT {{.Rate}}%: base {{.Base}}, tax {{.Tax}}</p>
{{end}}
<h2>Total: {{.Document.TotalPrice}} {{.Document.Currency}}</h2>
</body>
</html>`))

// DocumentHTML renders the printable representation of a billing document.
func DocumentHTML(view *billing.DocumentView) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Handler manages report endpoints.
type Handler struct {
	client  *Client
	service *billing.Service
	logger  *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(client *Client, service *billing.Service, logger *slog.Logger) *Handler {
	return &Handler{client: client, service: service, logger: logger}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
	r.Get("/documents/{id}", h.documentPDF)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) documentPDF(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}
	view, err := h.service.Project(r.Context(), id)
	if err != nil {
		h.logger.Error("load document for pdf", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	html, err := DocumentHTML(view)
	if err != nil {
		h.logger.Error("render document html", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	pdf, err := h.client.RenderHTML(r.Context(), html)
	if err != nil {
		h.logger.Error("render document pdf", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename="+view.Document.Number+".pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}
