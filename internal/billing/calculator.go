package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// TaxLine is one bucket of the derived tax table, keyed by VAT rate. Base
// sums line totals and line discounts together for the rate.
type TaxLine struct {
	Rate decimal.Decimal
	Base decimal.Decimal
	Tax  decimal.Decimal
}

// Totals is the result of recomputing a document's aggregates from its item
// list. Stored aggregates are caches of these values, never the ground truth.
type Totals struct {
	ItemTotal decimal.Decimal
	TaxTotal  decimal.Decimal
	Total     decimal.Decimal
	TaxTable  []TaxLine
}

// Calculator computes item totals, discounts, VAT aggregation and
// cross-currency reconciliation values. All methods are pure.
type Calculator struct {
	BaseCurrency string
}

// NewCalculator constructs a Calculator for the tenant's base currency.
func NewCalculator(baseCurrency string) Calculator {
	return Calculator{BaseCurrency: baseCurrency}
}

// LineTotal returns the undiscounted amount of one item.
func (Calculator) LineTotal(it Item) decimal.Decimal {
	return it.UnitPrice.Mul(it.Quantity)
}

// LineDiscount returns the (negative) discount amount of one item.
func (c Calculator) LineDiscount(it Item) decimal.Decimal {
	return c.LineTotal(it).Mul(it.DiscountPct).Div(hundred).Neg()
}

// ItemTotals aggregates an item list into totals plus the per-rate tax
// table. VAT is applied per rate bucket on the discounted base and only when
// the document is taxed.
func (c Calculator) ItemTotals(items []Item, taxed bool) Totals {
	buckets := make(map[string]*TaxLine)
	itemTotal := decimal.Zero
	for _, it := range items {
		line := c.LineTotal(it).Add(c.LineDiscount(it))
		itemTotal = itemTotal.Add(line)
		key := it.VATRate.String()
		b, ok := buckets[key]
		if !ok {
			b = &TaxLine{Rate: it.VATRate, Base: decimal.Zero, Tax: decimal.Zero}
			buckets[key] = b
		}
		b.Base = b.Base.Add(line)
	}

	table := make([]TaxLine, 0, len(buckets))
	taxTotal := decimal.Zero
	for _, b := range buckets {
		if taxed {
			b.Tax = b.Base.Mul(b.Rate).Div(hundred)
			taxTotal = taxTotal.Add(b.Tax)
		}
		table = append(table, *b)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Rate.LessThan(table[j].Rate) })

	total := itemTotal
	if taxed {
		total = total.Add(taxTotal)
	}
	return Totals{ItemTotal: itemTotal, TaxTotal: taxTotal, Total: total, TaxTable: table}
}

// DocumentTotals recomputes a document's totals from its current items.
// Corrective documents invert line amounts: a credit note negates what the
// base document billed.
func (c Calculator) DocumentTotals(doc *Document) Totals {
	t := c.ItemTotals(doc.Items, doc.Taxed)
	if doc.Type == TypeCorrective {
		t = invert(t)
	}
	return t
}

func invert(t Totals) Totals {
	out := Totals{
		ItemTotal: t.ItemTotal.Neg(),
		TaxTotal:  t.TaxTotal.Neg(),
		Total:     t.Total.Neg(),
		TaxTable:  make([]TaxLine, len(t.TaxTable)),
	}
	for i, line := range t.TaxTable {
		out.TaxTable[i] = TaxLine{Rate: line.Rate, Base: line.Base.Neg(), Tax: line.Tax.Neg()}
	}
	return out
}

// SettlementDelta returns the signed amount to subtract from a document's
// computed total because the given deposits already collected that revenue.
// A corrective used as a deposit contributes with inverted sign.
func (c Calculator) SettlementDelta(deposits []*Document) decimal.Decimal {
	delta := decimal.Zero
	for _, dep := range deposits {
		if dep == nil || dep.Deleted {
			continue
		}
		delta = delta.Sub(c.DocumentTotals(dep).Total)
	}
	return delta
}

// PriceDiff flags rounding drift between the stored aggregate and the
// recomputed total. Skipped in foreign currency, where rate rounding makes
// the comparison meaningless.
func (c Calculator) PriceDiff(doc *Document, computedTotal decimal.Decimal) decimal.Decimal {
	if doc.Currency != c.BaseCurrency {
		return decimal.Zero
	}
	return doc.TotalPrice.Sub(computedTotal)
}

// PayDateDiff returns how many days late a document was paid (signed, 0
// means paid or due today). Unpaid documents are measured against now.
// Foreign-currency documents return 0, matching PriceDiff.
func (c Calculator) PayDateDiff(doc *Document, now time.Time) int {
	if doc.Currency != c.BaseCurrency {
		return 0
	}
	ref := now
	if doc.PayDate != nil {
		ref = *doc.PayDate
	}
	return daysBetween(doc.DueDate, ref)
}

func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
