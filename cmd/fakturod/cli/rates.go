package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fakturo/fakturo/internal/rates"
)

// RatesBackfillMode enumerates supported execution strategies.
type RatesBackfillMode string

const (
	// RatesBackfillModeDry previews gaps without applying changes.
	RatesBackfillModeDry RatesBackfillMode = "dry"
	// RatesBackfillModeApply persists rates after confirmation.
	RatesBackfillModeApply RatesBackfillMode = "apply"
)

// RateStore is the persistence surface the rates commands operate on.
type RateStore interface {
	Upsert(ctx context.Context, currency string, rate decimal.Decimal, day time.Time) error
	MissingDays(ctx context.Context, currency string, from, to time.Time) ([]time.Time, error)
}

var _ RateStore = (*rates.PG)(nil)

// RatesOpsCLI offers operational helpers to manage currency rates used when
// snapshotting documents.
type RatesOpsCLI struct {
	store RateStore
}

// NewRatesOpsCLI constructs a new helper instance.
func NewRatesOpsCLI(store RateStore) *RatesOpsCLI {
	return &RatesOpsCLI{store: store}
}

// RatesBackfillOptions configures the backfill command execution.
type RatesBackfillOptions struct {
	Currency     string
	From         string
	To           string
	Mode         RatesBackfillMode
	SourceReader io.Reader
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
	Confirm      func(io.Writer) (bool, error)
}

// RatesBackfillSummary captures the structured reporting outcome.
type RatesBackfillSummary struct {
	Currency string   `json:"currency"`
	Mode     string   `json:"mode"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Missing  []string `json:"missing"`
	Applied  []string `json:"applied,omitempty"`
}

// BackfillCommand reports missing daily quotes for a currency and, in apply
// mode, loads replacements from a CSV source of "date,rate" rows.
func (c *RatesOpsCLI) BackfillCommand(ctx context.Context, opts RatesBackfillOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	currency := strings.ToUpper(strings.TrimSpace(opts.Currency))
	if len(currency) != 3 {
		_, _ = fmt.Fprintln(opts.Stderr, "rates backfill: --currency is required (ISO 4217 code)")
		return 1
	}
	from, err := time.Parse("2006-01-02", opts.From)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "rates backfill: invalid from %q (expected YYYY-MM-DD)\n", opts.From)
		return 1
	}
	to, err := time.Parse("2006-01-02", opts.To)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "rates backfill: invalid to %q (expected YYYY-MM-DD)\n", opts.To)
		return 1
	}
	if to.Before(from) {
		_, _ = fmt.Fprintln(opts.Stderr, "rates backfill: to precedes from")
		return 1
	}

	missing, err := c.store.MissingDays(ctx, currency, from, to)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "rates backfill: %v\n", err)
		return 1
	}

	summary := RatesBackfillSummary{
		Currency: currency,
		Mode:     string(opts.Mode),
		From:     opts.From,
		To:       opts.To,
		Missing:  formatDays(missing),
	}

	if opts.Mode == RatesBackfillModeApply && len(missing) > 0 {
		if opts.SourceReader == nil {
			_, _ = fmt.Fprintln(opts.Stderr, "rates backfill: apply mode requires a CSV source")
			return 1
		}
		if opts.Confirm != nil {
			ok, err := opts.Confirm(opts.Stdout)
			if err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "rates backfill: %v\n", err)
				return 1
			}
			if !ok {
				_, _ = fmt.Fprintln(opts.Stdout, "aborted")
				return 1
			}
		}
		applied, err := c.applyFromCSV(ctx, currency, missing, opts.SourceReader)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rates backfill: %v\n", err)
			return 1
		}
		summary.Applied = formatDays(applied)
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "rates backfill: encode json: %v\n", err)
			return 1
		}
	} else {
		renderBackfillHuman(opts.Stdout, summary)
	}

	if len(summary.Missing) > len(summary.Applied) {
		return 10
	}
	return 0
}

// applyFromCSV loads "date,rate" rows and upserts quotes for the missing days.
func (c *RatesOpsCLI) applyFromCSV(ctx context.Context, currency string, missing []time.Time, src io.Reader) ([]time.Time, error) {
	wanted := make(map[string]time.Time, len(missing))
	for _, d := range missing {
		wanted[d.Format("2006-01-02")] = d
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = 2

	var applied []time.Time
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		day, ok := wanted[strings.TrimSpace(record[0])]
		if !ok {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(record[1]))
		if err != nil || rate.Sign() <= 0 {
			return nil, fmt.Errorf("invalid rate %q for %s", record[1], record[0])
		}
		if err := c.store.Upsert(ctx, currency, rate, day); err != nil {
			return nil, err
		}
		applied = append(applied, day)
	}
	return applied, nil
}

// ValidateCommand reports whether every day in the range has a quote.
func (c *RatesOpsCLI) ValidateCommand(ctx context.Context, opts RatesBackfillOptions) int {
	opts.Mode = RatesBackfillModeDry
	return c.BackfillCommand(ctx, opts)
}

func renderBackfillHuman(w io.Writer, summary RatesBackfillSummary) {
	_, _ = fmt.Fprintf(w, "currency %s, %s .. %s\n", summary.Currency, summary.From, summary.To)
	if len(summary.Missing) == 0 {
		_, _ = fmt.Fprintln(w, "no gaps")
		return
	}
	_, _ = fmt.Fprintf(w, "missing %d day(s):\n", len(summary.Missing))
	for _, d := range summary.Missing {
		_, _ = fmt.Fprintf(w, "  %s\n", d)
	}
	if len(summary.Applied) > 0 {
		_, _ = fmt.Fprintf(w, "applied %d quote(s)\n", len(summary.Applied))
	}
}

func formatDays(days []time.Time) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, d.Format("2006-01-02"))
	}
	return out
}
