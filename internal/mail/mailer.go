// Package mail delivers billing documents to customers over SMTP.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/fakturo/fakturo/internal/billing"
)

// Config carries SMTP connection settings.
type Config struct {
	Host string
	Port int
	From string
}

// Mailer sends document notifications. It implements billing.Sender.
type Mailer struct {
	cfg  Config
	send func(addr string, from string, to []string, msg []byte) error
}

// NewMailer constructs a Mailer.
func NewMailer(cfg Config) *Mailer {
	return &Mailer{
		cfg: cfg,
		send: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Send emails the document summary to the customer on record.
func (m *Mailer) Send(ctx context.Context, doc *billing.Document) error {
	if doc.Customer.Email == "" {
		return fmt.Errorf("mail: document %s has no customer email", doc.Number)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", doc.Customer.Email)
	fmt.Fprintf(&b, "Subject: %s %s\r\n", subjectFor(doc.Type), doc.Number)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Dear %s,\r\n\r\n", doc.Customer.Name)
	fmt.Fprintf(&b, "document %s has been issued by %s.\r\n", doc.Number, doc.Issuer.Name)
	fmt.Fprintf(&b, "Total: %s %s\r\n", doc.TotalPrice.StringFixed(2), doc.Currency)
	fmt.Fprintf(&b, "Variable symbol: %s\r\n", doc.VariableSymbol)
	fmt.Fprintf(&b, "Due date: %s\r\n", doc.DueDate.Format("2006-01-02"))

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, m.cfg.From, []string{doc.Customer.Email}, []byte(b.String()))
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func subjectFor(t billing.DocumentType) string {
	switch t {
	case billing.TypeProforma:
		return "Proforma invoice"
	case billing.TypeCorrective:
		return "Corrective invoice"
	case billing.TypePayDocument:
		return "Pay document"
	default:
		return "Invoice"
	}
}
