package recon

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Kind labels a MatchResult with one of the fixed discrepancy classes.
type Kind string

const (
	KindMatched              Kind = "matched"
	KindMissingFromAnalytics Kind = "missing_from_analytics"
	KindCorrectlyUntracked   Kind = "correctly_untracked"
	KindPhantomInAnalytics   Kind = "phantom_in_analytics"
	KindAmountMismatch       Kind = "amount_mismatch"
	KindFalsePositiveRevenue Kind = "false_positive_revenue"
)

// Kinds lists every class in reporting order.
var Kinds = []Kind{
	KindMatched,
	KindMissingFromAnalytics,
	KindAmountMismatch,
	KindFalsePositiveRevenue,
	KindPhantomInAnalytics,
	KindCorrectlyUntracked,
}

// Tolerance decides when two amounts count as equal. Amounts are first
// rounded half-up to 2 decimal places; the defaults then demand exact
// equality. Absolute and relative slack absorb rounding noise between
// systems without masking real mismatches.
type Tolerance struct {
	Absolute    decimal.Decimal
	RelativePct decimal.Decimal
}

// Validate rejects negative knobs; a run must not start with them.
func (t Tolerance) Validate() error {
	if t.Absolute.IsNegative() {
		return &ToleranceConfigError{Knob: "absolute", Reason: "must be >= 0"}
	}
	if t.RelativePct.IsNegative() {
		return &ToleranceConfigError{Knob: "relative_pct", Reason: "must be >= 0"}
	}
	return nil
}

// Equal reports whether analytics and backend amounts agree within tolerance.
func (t Tolerance) Equal(backend, analytics decimal.Decimal) bool {
	b := backend.Round(2)
	a := analytics.Round(2)
	diff := a.Sub(b).Abs()
	if diff.LessThanOrEqual(t.Absolute) {
		return true
	}
	if t.RelativePct.IsPositive() && !b.IsZero() {
		limit := b.Abs().Mul(t.RelativePct).Div(decimal.NewFromInt(100))
		return diff.LessThanOrEqual(limit)
	}
	return false
}

// MatchResult is the classification of one join key. At least one side is
// present; AmountDelta (analytics - backend) is set only when both are.
type MatchResult struct {
	Key       string
	Kind      Kind
	Backend   *TransactionRecord
	Analytics *TransactionRecord

	AmountDelta *decimal.Decimal
	// EventCount is how many analytics records shared the key; values above
	// one feed the duplicate detector.
	EventCount int
}

// KeyAnomaly records a data-integrity oddity found while indexing a batch,
// e.g. the same order id appearing twice on the backend side.
type KeyAnomaly struct {
	Key    string
	Source Source
	Count  int
}

// MatchOutcome bundles the classified results with the per-key analytics
// index the duplicate detector consumes.
type MatchOutcome struct {
	Results        []MatchResult
	BackendByKey   map[string]TransactionRecord
	AnalyticsByKey map[string][]TransactionRecord
	Anomalies      []KeyAnomaly
}

// Match joins a backend batch against an analytics batch by key and
// classifies every key in the union. Results come back sorted by key, so the
// same inputs always produce the same output regardless of map iteration
// order.
func Match(backend, analytics []TransactionRecord, tol Tolerance) (MatchOutcome, error) {
	if err := tol.Validate(); err != nil {
		return MatchOutcome{}, err
	}

	backendByKey := make(map[string]TransactionRecord, len(backend))
	var anomalies []KeyAnomaly
	dupBackend := make(map[string]int)
	for _, rec := range backend {
		if _, seen := backendByKey[rec.Key]; seen {
			dupBackend[rec.Key]++
		}
		// Duplicate backend keys are an integrity anomaly; the later record wins.
		backendByKey[rec.Key] = rec
	}
	for key, extra := range dupBackend {
		anomalies = append(anomalies, KeyAnomaly{Key: key, Source: SourceBackend, Count: extra + 1})
	}
	sort.Slice(anomalies, func(i, j int) bool { return anomalies[i].Key < anomalies[j].Key })

	analyticsByKey := make(map[string][]TransactionRecord, len(analytics))
	for _, rec := range analytics {
		analyticsByKey[rec.Key] = append(analyticsByKey[rec.Key], rec)
	}

	keys := make([]string, 0, len(backendByKey)+len(analyticsByKey))
	for k := range backendByKey {
		keys = append(keys, k)
	}
	for k := range analyticsByKey {
		if _, onBackend := backendByKey[k]; !onBackend {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	results := make([]MatchResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, classifyKey(key, backendByKey, analyticsByKey, tol))
	}
	return MatchOutcome{
		Results:        results,
		BackendByKey:   backendByKey,
		AnalyticsByKey: analyticsByKey,
		Anomalies:      anomalies,
	}, nil
}

func classifyKey(key string, backendByKey map[string]TransactionRecord, analyticsByKey map[string][]TransactionRecord, tol Tolerance) MatchResult {
	bRec, hasBackend := backendByKey[key]
	events := analyticsByKey[key]

	res := MatchResult{Key: key, EventCount: len(events)}
	if hasBackend {
		b := bRec
		res.Backend = &b
	}
	if len(events) > 0 {
		a := events[0]
		res.Analytics = &a
	}

	switch {
	case hasBackend && len(events) == 0:
		if bRec.Status == StatusComplete {
			res.Kind = KindMissingFromAnalytics
		} else {
			res.Kind = KindCorrectlyUntracked
		}
	case !hasBackend:
		res.Kind = KindPhantomInAnalytics
	default:
		delta := res.Analytics.Amount.Round(2).Sub(bRec.Amount.Round(2))
		res.AmountDelta = &delta
		switch {
		case bRec.Status != StatusComplete:
			// The event fired for an order that never completed.
			res.Kind = KindFalsePositiveRevenue
		case tol.Equal(bRec.Amount, res.Analytics.Amount):
			res.Kind = KindMatched
		default:
			res.Kind = KindAmountMismatch
		}
	}
	return res
}
