package recon

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

const (
	defaultSampleLimit   = 50
	defaultTopDuplicates = 10
)

// AggregateOptions bounds what the summary retains for drill-down.
type AggregateOptions struct {
	SampleLimit   int
	TopDuplicates int
}

func (o AggregateOptions) withDefaults() AggregateOptions {
	if o.SampleLimit <= 0 {
		o.SampleLimit = defaultSampleLimit
	}
	if o.TopDuplicates <= 0 {
		o.TopDuplicates = defaultTopDuplicates
	}
	return o
}

// KindTotal is the count and summed amount for one discrepancy class.
type KindTotal struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// DimensionGroup is one (dimension, value) bucket of the failure breakdown.
type DimensionGroup struct {
	Dimension      string  `json:"dimension"`
	Value          string  `json:"value"`
	ValidCount     int     `json:"valid_count"`
	MissingCount   int     `json:"missing_count"`
	FalsePositives int     `json:"false_positives"`
	FailureRate    float64 `json:"failure_rate"`
}

// DayCount is a daily bucket of missing-from-analytics orders, used to
// surface tracking outage windows.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Sample is a bounded drill-down row retained per discrepancy kind.
type Sample struct {
	Key             string           `json:"key"`
	BackendAmount   *decimal.Decimal `json:"backend_amount,omitempty"`
	AnalyticsAmount *decimal.Decimal `json:"analytics_amount,omitempty"`
	AmountDelta     *decimal.Decimal `json:"amount_delta,omitempty"`
}

// Summary is the aggregate output of one reconciliation run. It is the only
// per-run artifact that gets persisted; individual MatchResults are not.
type Summary struct {
	Window Window `json:"window"`

	BackendRecords   int `json:"backend_records"`
	AnalyticsRecords int `json:"analytics_records"`

	BackendTotal   decimal.Decimal `json:"backend_total"`
	AnalyticsTotal decimal.Decimal `json:"analytics_total"`
	// MissingRevenue is COMPLETE order value analytics never saw; inflated
	// revenue is analytics value for orders that never completed.
	MissingRevenue  decimal.Decimal `json:"missing_revenue"`
	InflatedRevenue decimal.Decimal `json:"inflated_revenue"`
	DuplicateExcess decimal.Decimal `json:"duplicate_excess"`

	Totals map[Kind]KindTotal `json:"totals"`

	MatchRateDefined bool    `json:"match_rate_defined"`
	MatchRatePct     float64 `json:"match_rate_pct"`

	Breakdowns    []DimensionGroup   `json:"breakdowns,omitempty"`
	DailyMissing  []DayCount         `json:"daily_missing,omitempty"`
	TopDuplicates []DuplicateFinding `json:"top_duplicates,omitempty"`

	Samples      map[Kind][]Sample `json:"samples,omitempty"`
	KeyAnomalies []KeyAnomaly      `json:"key_anomalies,omitempty"`

	Normalization NormalizationStats `json:"normalization"`
}

// Aggregate reduces one run's classified results and duplicate findings into
// a Summary. It is a pure function of its inputs: no shared state, and all
// output lists are deterministically ordered.
func Aggregate(window Window, outcome MatchOutcome, findings []DuplicateFinding, stats NormalizationStats, opts AggregateOptions) (Summary, error) {
	opts = opts.withDefaults()

	sum := Summary{
		Window:          window,
		BackendTotal:    decimal.Zero,
		AnalyticsTotal:  decimal.Zero,
		MissingRevenue:  decimal.Zero,
		InflatedRevenue: decimal.Zero,
		DuplicateExcess: decimal.Zero,
		Totals:          make(map[Kind]KindTotal, len(Kinds)),
		Samples:         make(map[Kind][]Sample),
		KeyAnomalies:    outcome.Anomalies,
		Normalization:   stats,
	}
	for _, k := range Kinds {
		sum.Totals[k] = KindTotal{Amount: decimal.Zero}
	}

	groups := make(map[string]map[string]*DimensionGroup)
	daily := make(map[string]int)
	completeBackend := 0

	for _, res := range outcome.Results {
		if res.Backend != nil {
			sum.BackendRecords++
			sum.BackendTotal = sum.BackendTotal.Add(res.Backend.Amount.Round(2))
			if res.Backend.Status == StatusComplete {
				completeBackend++
				bumpValid(groups, res.Backend.Dimensions())
			}
		}
		if res.Analytics != nil {
			sum.AnalyticsRecords += res.EventCount
			for _, ev := range outcome.AnalyticsByKey[res.Key] {
				sum.AnalyticsTotal = sum.AnalyticsTotal.Add(ev.Amount.Round(2))
			}
		}

		amount := resultAmount(res)
		total := sum.Totals[res.Kind]
		total.Count++
		total.Amount = total.Amount.Add(amount)
		sum.Totals[res.Kind] = total

		switch res.Kind {
		case KindMissingFromAnalytics:
			sum.MissingRevenue = sum.MissingRevenue.Add(amount)
			bumpGroup(groups, res.Backend.Dimensions(), func(g *DimensionGroup) { g.MissingCount++ })
			if !res.Backend.OccurredAt.IsZero() {
				daily[res.Backend.OccurredAt.Format("2006-01-02")]++
			}
		case KindFalsePositiveRevenue:
			sum.InflatedRevenue = sum.InflatedRevenue.Add(res.Analytics.Amount.Round(2))
			bumpGroup(groups, res.Backend.Dimensions(), func(g *DimensionGroup) { g.FalsePositives++ })
		}

		if len(sum.Samples[res.Kind]) < opts.SampleLimit {
			sum.Samples[res.Kind] = append(sum.Samples[res.Kind], makeSample(res))
		}
	}

	if err := checkConservation(sum, completeBackend); err != nil {
		return Summary{}, err
	}

	denom := sum.Totals[KindMatched].Count + sum.Totals[KindMissingFromAnalytics].Count + sum.Totals[KindAmountMismatch].Count
	if denom > 0 {
		sum.MatchRateDefined = true
		sum.MatchRatePct = float64(sum.Totals[KindMatched].Count) / float64(denom) * 100
	}

	sum.Breakdowns = flattenGroups(groups)
	sum.DailyMissing = flattenDaily(daily)
	sum.TopDuplicates = topDuplicates(findings, opts.TopDuplicates)
	for _, f := range findings {
		sum.DuplicateExcess = sum.DuplicateExcess.Add(f.ExcessAmount)
	}
	return sum, nil
}

// checkConservation enforces that MATCHED + MISSING + AMOUNT_MISMATCH
// exactly covers the COMPLETE backend orders.
func checkConservation(sum Summary, completeBackend int) error {
	classified := sum.Totals[KindMatched].Count +
		sum.Totals[KindMissingFromAnalytics].Count +
		sum.Totals[KindAmountMismatch].Count
	if classified != completeBackend {
		return &AggregationInvariantError{
			Reason: fmt.Sprintf("classified %d complete orders, saw %d", classified, completeBackend),
		}
	}
	return nil
}

func resultAmount(res MatchResult) decimal.Decimal {
	if res.Backend != nil {
		return res.Backend.Amount.Round(2)
	}
	if res.Analytics != nil {
		return res.Analytics.Amount.Round(2)
	}
	return decimal.Zero
}

func makeSample(res MatchResult) Sample {
	s := Sample{Key: res.Key, AmountDelta: res.AmountDelta}
	if res.Backend != nil {
		a := res.Backend.Amount.Round(2)
		s.BackendAmount = &a
	}
	if res.Analytics != nil {
		a := res.Analytics.Amount.Round(2)
		s.AnalyticsAmount = &a
	}
	return s
}

func bumpValid(groups map[string]map[string]*DimensionGroup, dims map[string]string) {
	for dim, val := range dims {
		ensureGroup(groups, dim, val).ValidCount++
	}
}

func bumpGroup(groups map[string]map[string]*DimensionGroup, dims map[string]string, fn func(*DimensionGroup)) {
	for dim, val := range dims {
		fn(ensureGroup(groups, dim, val))
	}
}

func ensureGroup(groups map[string]map[string]*DimensionGroup, dim, val string) *DimensionGroup {
	byVal, ok := groups[dim]
	if !ok {
		byVal = make(map[string]*DimensionGroup)
		groups[dim] = byVal
	}
	g, ok := byVal[val]
	if !ok {
		g = &DimensionGroup{Dimension: dim, Value: val}
		byVal[val] = g
	}
	return g
}

func flattenGroups(groups map[string]map[string]*DimensionGroup) []DimensionGroup {
	var out []DimensionGroup
	for _, byVal := range groups {
		for _, g := range byVal {
			if g.ValidCount > 0 {
				g.FailureRate = float64(g.MissingCount) / float64(g.ValidCount)
			}
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dimension != out[j].Dimension {
			return out[i].Dimension < out[j].Dimension
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func flattenDaily(daily map[string]int) []DayCount {
	out := make([]DayCount, 0, len(daily))
	for date, n := range daily {
		out = append(out, DayCount{Date: date, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// topDuplicates orders findings by excess amount descending, ties broken by
// key ascending, and keeps the first n.
func topDuplicates(findings []DuplicateFinding, n int) []DuplicateFinding {
	if len(findings) == 0 {
		return nil
	}
	sorted := make([]DuplicateFinding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		cmp := sorted[i].ExcessAmount.Cmp(sorted[j].ExcessAmount)
		if cmp != 0 {
			return cmp > 0
		}
		return sorted[i].Key < sorted[j].Key
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
