package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentType enumerates the billing document variants.
type DocumentType string

const (
	TypeInvoice     DocumentType = "INVOICE"
	TypeProforma    DocumentType = "PROFORMA"
	TypeCorrective  DocumentType = "CORRECTIVE"
	TypePayDocument DocumentType = "PAY_DOCUMENT"
)

// Valid reports whether t is one of the four document variants.
func (t DocumentType) Valid() bool {
	switch t {
	case TypeInvoice, TypeProforma, TypeCorrective, TypePayDocument:
		return true
	}
	return false
}

// SettlesDeposits reports whether the variant nets linked deposits out of its
// own total. Pay documents record tax only; their price stays zero regardless
// of what they consume.
func (t DocumentType) SettlesDeposits() bool {
	return t != TypePayDocument
}

// DocumentStatus is the coarse lifecycle tag of a document.
type DocumentStatus string

const (
	StatusDraft     DocumentStatus = "DRAFT"
	StatusPending   DocumentStatus = "PENDING_APPROVAL"
	StatusAccepted  DocumentStatus = "ACCEPTED"
	StatusDenied    DocumentStatus = "DENIED"
	StatusCancelled DocumentStatus = "CANCELLED"
)

// AcceptStatus is the state of a single approval stage.
type AcceptStatus string

const (
	AcceptWaiting  AcceptStatus = "WAITING"
	AcceptAccepted AcceptStatus = "ACCEPTED"
	AcceptDenied   AcceptStatus = "DENIED"
)

// Party is an immutable snapshot of one side of a document, taken at issue
// time. It never references live master data.
type Party struct {
	Name        string
	Street      string
	City        string
	Zip         string
	Country     string
	RegNumber   string
	TaxNumber   string
	BankAccount string
	IBAN        string
	Email       string
}

// Item is one line entry of a document.
type Item struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	Position    int
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	VATRate     decimal.Decimal
	DiscountPct decimal.Decimal
}

// Document is the root billing artifact. Variant-specific behaviour branches
// on Type; there is no subtyping.
type Document struct {
	ID             uuid.UUID
	CompanyID      int64
	Type           DocumentType
	Number         string
	VariableSymbol string

	Status        DocumentStatus
	AcceptStatus1 AcceptStatus
	AcceptStatus2 AcceptStatus
	Submitted     bool
	Closed        bool
	Deleted       bool

	Issuer   Party
	Customer Party

	Currency string
	Rate     decimal.Decimal
	RateDate time.Time
	Taxed    bool

	TotalPrice decimal.Decimal
	TotalTax   decimal.Decimal

	IssueDate time.Time
	TaxDate   time.Time
	DueDate   time.Time
	PayDate   *time.Time

	Items []Item

	// DepositIDs are documents consumed as advances by this document.
	// DepositedByIDs is the inverse direction. Both are maintained
	// exclusively through the DepositLedger.
	DepositIDs     []uuid.UUID
	DepositedByIDs []uuid.UUID

	// LinkedDocID points at the corrective or pay-document derived from this
	// document (at most one). ParentDocID is the inverse on the derived side.
	LinkedDocID *uuid.UUID
	ParentDocID *uuid.UUID

	Note      string
	CreatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDeposit reports whether id is already linked as a deposit.
func (d *Document) HasDeposit(id uuid.UUID) bool {
	for _, dep := range d.DepositIDs {
		if dep == id {
			return true
		}
	}
	return false
}

// HistoryEntry is one append-only audit record attached to a document.
type HistoryEntry struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ActorID    int64
	Kind       string
	Text       string
	At         time.Time
}

// History entry kinds.
const (
	HistoryCreated   = "created"
	HistoryUpdated   = "updated"
	HistoryRemoved   = "removed"
	HistorySubmitted = "submitted"
	HistoryAccepted  = "accepted"
	HistoryDenied    = "denied"
	HistoryLinked    = "deposit_linked"
	HistoryGenerated = "generated"
)

// ApprovalPolicy configures the two-stage workflow for a company. Absence of
// a policy means submissions are auto-accepted.
type ApprovalPolicy struct {
	CompanyID int64
	TwoStage  bool
}

// Actor identifies the user performing an operation together with the
// approval authority they hold.
type Actor struct {
	ID             int64
	Name           string
	Stage1Approver bool
	Stage2Approver bool
}

// Clock supplies the current time. Injectable for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// ItemInput describes one line entry when creating or editing a document.
type ItemInput struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	VATRate     decimal.Decimal
	DiscountPct decimal.Decimal
}

// CreateDocumentInput carries everything needed to create a document.
type CreateDocumentInput struct {
	CompanyID      int64
	Type           DocumentType
	Currency       string
	Taxed          bool
	IssueDate      time.Time
	TaxDate        time.Time
	DueDate        time.Time
	VariableSymbol string
	Issuer         Party
	Customer       Party
	Note           string
	Items          []ItemInput
	DepositIDs     []uuid.UUID
	Actor          Actor
}

// SaveDocumentInput carries an edit of an existing document. The item list
// replaces the previous one wholesale.
type SaveDocumentInput struct {
	Currency   string
	Taxed      bool
	TaxDate    time.Time
	DueDate    time.Time
	PayDate    *time.Time
	Customer   Party
	Note       string
	Items      []ItemInput
	DepositIDs []uuid.UUID
	Actor      Actor
}

// ListFilter narrows document listings.
type ListFilter struct {
	CompanyID int64
	Type      DocumentType
	Status    DocumentStatus
	FromDate  time.Time
	ToDate    time.Time
	Deleted   bool
	Limit     int
	Offset    int
}
