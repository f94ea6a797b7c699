package billing

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	numberSeqStart  = 101
	numberSeqMax    = 9999
	numberTryBudget = 9900

	// tombstonePrefix marks numbers of soft-deleted documents. The original
	// value stays embedded so the sequencer still avoids reusing it.
	tombstonePrefix = "DEL-"
)

// NumberSource answers which document numbers already exist within a date
// range. Satisfied by TxRepository so allocation runs inside the creating
// transaction; the unique index on documents.number is the final arbiter
// under concurrency.
type NumberSource interface {
	ListNumbersInRange(ctx context.Context, from, to time.Time) ([]string, error)
}

// Sequencer allocates collision-free document numbers per period.
type Sequencer struct{}

// Allocate builds a number of the form YYMM + 4-digit sequence starting at
// 0101. It probes numbers issued from three months before through one month
// after the target month, so backdated documents cannot collide, and fails
// with ErrSequenceExhausted once the attempt budget runs out. Allocated
// numbers are never reused, tombstoned or not.
func (Sequencer) Allocate(ctx context.Context, src NumberSource, docDate time.Time) (string, error) {
	monthStart := time.Date(docDate.Year(), docDate.Month(), 1, 0, 0, 0, 0, time.UTC)
	from := monthStart.AddDate(0, -3, 0)
	to := monthStart.AddDate(0, 2, 0)

	existing, err := src.ListNumbersInRange(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("billing: probe existing numbers: %w", err)
	}
	taken := make(map[string]struct{}, len(existing))
	for _, n := range existing {
		taken[untombstone(n)] = struct{}{}
	}

	prefix := docDate.Format("0601")
	for attempt := 0; attempt < numberTryBudget; attempt++ {
		seq := numberSeqStart + attempt
		if seq > numberSeqMax {
			break
		}
		candidate := fmt.Sprintf("%s%04d", prefix, seq)
		if _, ok := taken[candidate]; !ok {
			return candidate, nil
		}
	}
	return "", ErrSequenceExhausted
}

// tombstone mangles a number or variable symbol of a removed document so the
// unique index frees the live value while keeping the original recoverable.
func tombstone(value string, at time.Time) string {
	return fmt.Sprintf("%s%d-%s", tombstonePrefix, at.Unix(), value)
}

func untombstone(value string) string {
	if !strings.HasPrefix(value, tombstonePrefix) {
		return value
	}
	rest := value[len(tombstonePrefix):]
	if i := strings.Index(rest, "-"); i >= 0 {
		return rest[i+1:]
	}
	return rest
}
