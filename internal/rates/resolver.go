// Package rates supplies exchange rates for currencies at a date. The
// billing engine only depends on the Resolver interface; concrete resolvers
// wrap a static table or an upstream source behind a Redis cache.
package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a resolved exchange rate snapshot.
type Quote struct {
	Currency string
	Rate     decimal.Decimal
	AsOf     time.Time
}

// Resolver resolves an exchange rate for a currency at a date. It must never
// fail for the tenant's base currency.
type Resolver interface {
	RateFor(ctx context.Context, currency string, at time.Time) (Quote, error)
}

// ErrUnknownCurrency indicates no rate is available for the currency.
var ErrUnknownCurrency = errors.New("rates: unknown currency")

// Static resolves rates from an in-memory table. The base currency always
// resolves to 1.
type Static struct {
	Base  string
	Table map[string]decimal.Decimal
}

// NewStatic constructs a Static resolver.
func NewStatic(base string, table map[string]decimal.Decimal) *Static {
	if table == nil {
		table = make(map[string]decimal.Decimal)
	}
	return &Static{Base: base, Table: table}
}

// RateFor implements Resolver.
func (s *Static) RateFor(_ context.Context, currency string, at time.Time) (Quote, error) {
	if currency == s.Base {
		return Quote{Currency: currency, Rate: decimal.NewFromInt(1), AsOf: at}, nil
	}
	rate, ok := s.Table[currency]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return Quote{Currency: currency, Rate: rate, AsOf: at}, nil
}
