package recon

import (
	"sort"

	"github.com/shopspring/decimal"
)

// maxMultiplier bounds the integer-multiple search; a pixel firing more than
// a dozen times for one order is indistinguishable from garbage data.
const maxMultiplier = 12

// DuplicateFinding flags a key whose analytics value is an exact integer
// multiple of the backend value, i.e. the purchase event fired more than once.
type DuplicateFinding struct {
	Key        string          `json:"key"`
	Multiplier int             `json:"multiplier"`
	EventCount int             `json:"event_count"`
	UnitAmount decimal.Decimal `json:"unit_amount"`
	// ExcessAmount is the revenue attributable to the extra firings alone.
	ExcessAmount decimal.Decimal `json:"excess_amount"`
}

// DetectDuplicates inspects every key carrying more than one analytics
// record. With a backend amount available, a single event amount or the
// events' sum matching an exact multiple (2x, 3x, ...) of it is flagged;
// amounts that merely sum to the backend total are partial captures, not
// duplicates. Without a backend amount, exact same-amount events count as
// duplicate fires of each other. Findings come back sorted by key.
func DetectDuplicates(analyticsByKey map[string][]TransactionRecord, backendByKey map[string]TransactionRecord, tol Tolerance) []DuplicateFinding {
	keys := make([]string, 0, len(analyticsByKey))
	for key, events := range analyticsByKey {
		if len(events) > 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var findings []DuplicateFinding
	for _, key := range keys {
		events := analyticsByKey[key]
		backend, hasBackend := backendByKey[key]
		var finding *DuplicateFinding
		if hasBackend {
			finding = detectAgainstBackend(key, events, backend.Amount, tol)
		} else {
			finding = detectSelfDuplicates(key, events, tol)
		}
		if finding != nil {
			findings = append(findings, *finding)
		}
	}
	return findings
}

func detectAgainstBackend(key string, events []TransactionRecord, backendAmount decimal.Decimal, tol Tolerance) *DuplicateFinding {
	unit := backendAmount.Round(2)
	if !unit.IsPositive() {
		return nil
	}
	total := decimal.Zero
	for _, ev := range events {
		total = total.Add(ev.Amount.Round(2))
	}
	// Events summing to exactly one backend total are a partial-capture flow.
	if tol.Equal(unit, total) {
		return nil
	}
	if mult := integerMultiple(unit, total, tol); mult >= 2 {
		return &DuplicateFinding{
			Key:          key,
			Multiplier:   mult,
			EventCount:   len(events),
			UnitAmount:   unit,
			ExcessAmount: unit.Mul(decimal.NewFromInt(int64(mult - 1))),
		}
	}
	// A single event carrying a multiple of the total also counts; this is
	// the classic "value doubled in analytics" signature.
	for _, ev := range events {
		if mult := integerMultiple(unit, ev.Amount, tol); mult >= 2 {
			return &DuplicateFinding{
				Key:          key,
				Multiplier:   mult,
				EventCount:   len(events),
				UnitAmount:   unit,
				ExcessAmount: unit.Mul(decimal.NewFromInt(int64(mult - 1))),
			}
		}
	}
	return nil
}

// detectSelfDuplicates handles keys with no backend record: identical event
// amounts repeated n times are treated as one purchase fired n times.
func detectSelfDuplicates(key string, events []TransactionRecord, tol Tolerance) *DuplicateFinding {
	first := events[0].Amount.Round(2)
	if !first.IsPositive() {
		return nil
	}
	for _, ev := range events[1:] {
		if !tol.Equal(first, ev.Amount) {
			return nil
		}
	}
	n := len(events)
	return &DuplicateFinding{
		Key:          key,
		Multiplier:   n,
		EventCount:   n,
		UnitAmount:   first,
		ExcessAmount: first.Mul(decimal.NewFromInt(int64(n - 1))),
	}
}

// integerMultiple returns k >= 2 when amount == k * unit within tolerance,
// otherwise 0.
func integerMultiple(unit, amount decimal.Decimal, tol Tolerance) int {
	for k := 2; k <= maxMultiplier; k++ {
		if tol.Equal(unit.Mul(decimal.NewFromInt(int64(k))), amount) {
			return k
		}
	}
	return 0
}
