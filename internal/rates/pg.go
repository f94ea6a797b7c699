package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PG resolves rates from the currency_rates table. For a given day it uses
// the most recent quote at or before that day.
type PG struct {
	pool *pgxpool.Pool
	base string
}

// NewPG constructs a database-backed resolver.
func NewPG(pool *pgxpool.Pool, base string) *PG {
	return &PG{pool: pool, base: base}
}

// RateFor implements Resolver.
func (p *PG) RateFor(ctx context.Context, currency string, at time.Time) (Quote, error) {
	if currency == p.base {
		return Quote{Currency: currency, Rate: decimal.NewFromInt(1), AsOf: at}, nil
	}
	var rate pgtype.Numeric
	var asOf time.Time
	err := p.pool.QueryRow(ctx, `SELECT rate, rate_date FROM currency_rates
WHERE currency = $1 AND rate_date <= $2 ORDER BY rate_date DESC LIMIT 1`, currency, at).Scan(&rate, &asOf)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quote{}, fmt.Errorf("rates: %s as of %s: %w", currency, at.Format("2006-01-02"), ErrUnknownCurrency)
	}
	if err != nil {
		return Quote{}, err
	}
	if !rate.Valid || rate.Int == nil {
		return Quote{}, fmt.Errorf("rates: %s as of %s: %w", currency, at.Format("2006-01-02"), ErrUnknownCurrency)
	}
	return Quote{Currency: currency, Rate: decimal.NewFromBigInt(rate.Int, rate.Exp), AsOf: asOf}, nil
}

// Upsert stores a quote; existing quotes for the same day are replaced.
func (p *PG) Upsert(ctx context.Context, currency string, rate decimal.Decimal, day time.Time) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO currency_rates (currency, rate_date, rate)
VALUES ($1, $2, $3)
ON CONFLICT (currency, rate_date) DO UPDATE SET rate = EXCLUDED.rate`, currency, day, rate.String())
	return err
}

// MissingDays lists days in [from, to] with no quote for the currency.
func (p *PG) MissingDays(ctx context.Context, currency string, from, to time.Time) ([]time.Time, error) {
	rows, err := p.pool.Query(ctx, `SELECT d::date FROM generate_series($2::date, $3::date, '1 day') AS d
LEFT JOIN currency_rates cr ON cr.currency = $1 AND cr.rate_date = d::date
WHERE cr.currency IS NULL ORDER BY d`, currency, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}
