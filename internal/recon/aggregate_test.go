package recon

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWindow() Window {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

func runPipeline(t *testing.T, backend, analytics []TransactionRecord, opts AggregateOptions) Summary {
	t.Helper()
	outcome, err := Match(backend, analytics, Tolerance{})
	require.NoError(t, err)
	dupes := DetectDuplicates(outcome.AnalyticsByKey, outcome.BackendByKey, Tolerance{})
	sum, err := Aggregate(testWindow(), outcome, dupes, NormalizationStats{}, opts)
	require.NoError(t, err)
	return sum
}

func TestAggregateTotalsAndConservation(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	backend := []TransactionRecord{
		{Key: "A", Source: SourceBackend, Amount: dec("100.00"), Status: StatusComplete, OccurredAt: when, PaymentMethod: "card"},
		{Key: "B", Source: SourceBackend, Amount: dec("50.00"), Status: StatusComplete, OccurredAt: when, PaymentMethod: "cod"},
		{Key: "C", Source: SourceBackend, Amount: dec("80.00"), Status: StatusComplete, OccurredAt: when, PaymentMethod: "card"},
		{Key: "D", Source: SourceBackend, Amount: dec("25.00"), Status: StatusCanceled, OccurredAt: when, PaymentMethod: "card"},
	}
	analytics := []TransactionRecord{
		analyticsRec("A", "100.00"), // matched
		analyticsRec("C", "95.00"),  // amount mismatch
		analyticsRec("D", "25.00"),  // false positive
		analyticsRec("Z", "10.00"),  // phantom
	}
	// B is missing from analytics.

	sum := runPipeline(t, backend, analytics, AggregateOptions{})

	assert.Equal(t, 4, sum.BackendRecords)
	assert.Equal(t, 4, sum.AnalyticsRecords)
	assert.Equal(t, "255", sum.BackendTotal.String())
	assert.Equal(t, "230", sum.AnalyticsTotal.String())
	assert.Equal(t, "50", sum.MissingRevenue.String())
	assert.Equal(t, "25", sum.InflatedRevenue.String())

	assert.Equal(t, 1, sum.Totals[KindMatched].Count)
	assert.Equal(t, 1, sum.Totals[KindMissingFromAnalytics].Count)
	assert.Equal(t, 1, sum.Totals[KindAmountMismatch].Count)
	assert.Equal(t, 1, sum.Totals[KindFalsePositiveRevenue].Count)
	assert.Equal(t, 1, sum.Totals[KindPhantomInAnalytics].Count)

	// 3 complete orders, 1 matched.
	assert.True(t, sum.MatchRateDefined)
	assert.InDelta(t, 100.0/3.0, sum.MatchRatePct, 1e-9)
}

func TestAggregateBreakdowns(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	backend := []TransactionRecord{
		{Key: "A", Source: SourceBackend, Amount: dec("10.00"), Status: StatusComplete, OccurredAt: when, PaymentMethod: "card"},
		{Key: "B", Source: SourceBackend, Amount: dec("10.00"), Status: StatusComplete, OccurredAt: when, PaymentMethod: "card"},
		{Key: "C", Source: SourceBackend, Amount: dec("10.00"), Status: StatusComplete, OccurredAt: when, PaymentMethod: "cod"},
	}
	analytics := []TransactionRecord{
		analyticsRec("A", "10.00"),
		// B and C missing.
	}

	sum := runPipeline(t, backend, analytics, AggregateOptions{})

	byKey := make(map[string]DimensionGroup)
	for _, g := range sum.Breakdowns {
		byKey[g.Dimension+"/"+g.Value] = g
	}
	card := byKey["payment_method/card"]
	assert.Equal(t, 2, card.ValidCount)
	assert.Equal(t, 1, card.MissingCount)
	assert.InDelta(t, 0.5, card.FailureRate, 1e-9)
	cod := byKey["payment_method/cod"]
	assert.Equal(t, 1, cod.ValidCount)
	assert.Equal(t, 1, cod.MissingCount)
	assert.InDelta(t, 1.0, cod.FailureRate, 1e-9)

	require.Len(t, sum.DailyMissing, 1)
	assert.Equal(t, "2026-03-14", sum.DailyMissing[0].Date)
	assert.Equal(t, 2, sum.DailyMissing[0].Count)
}

func TestAggregateMatchRateUndefinedWithoutDenominator(t *testing.T) {
	backend := []TransactionRecord{
		backendRec("A", "10.00", StatusCanceled),
	}
	sum := runPipeline(t, backend, nil, AggregateOptions{})
	assert.False(t, sum.MatchRateDefined)
	assert.Zero(t, sum.MatchRatePct)
}

func TestAggregateDeterministicUnderShuffle(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var backend []TransactionRecord
	var analytics []TransactionRecord
	amounts := []string{"10.00", "25.50", "99.99", "7.00", "120.00"}
	keys := []string{"K1", "K2", "K3", "K4", "K5"}
	for i, key := range keys {
		backend = append(backend, TransactionRecord{
			Key: key, Source: SourceBackend, Amount: dec(amounts[i]),
			Status: StatusComplete, OccurredAt: when, PaymentMethod: "card",
		})
		if i%2 == 0 {
			analytics = append(analytics, analyticsRec(key, amounts[i]))
		}
	}

	base := runPipeline(t, backend, analytics, AggregateOptions{})
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5; i++ {
		rng.Shuffle(len(backend), func(a, b int) { backend[a], backend[b] = backend[b], backend[a] })
		rng.Shuffle(len(analytics), func(a, b int) { analytics[a], analytics[b] = analytics[b], analytics[a] })
		again := runPipeline(t, backend, analytics, AggregateOptions{})
		assert.Equal(t, base, again)
	}
}

func TestAggregateSampleLimit(t *testing.T) {
	when := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var backend []TransactionRecord
	for _, key := range []string{"A", "B", "C", "D"} {
		backend = append(backend, TransactionRecord{
			Key: key, Source: SourceBackend, Amount: dec("10.00"),
			Status: StatusComplete, OccurredAt: when,
		})
	}

	sum := runPipeline(t, backend, nil, AggregateOptions{SampleLimit: 2})
	assert.Len(t, sum.Samples[KindMissingFromAnalytics], 2)
	assert.Equal(t, 4, sum.Totals[KindMissingFromAnalytics].Count)
}

func TestAggregateTopDuplicates(t *testing.T) {
	backendByKey := map[string]TransactionRecord{}
	analyticsByKey := map[string][]TransactionRecord{}
	backend := []TransactionRecord{
		backendRec("A", "10.00", StatusComplete),
		backendRec("B", "90.00", StatusComplete),
		backendRec("C", "40.00", StatusComplete),
	}
	var analytics []TransactionRecord
	for _, rec := range backend {
		backendByKey[rec.Key] = rec
		ev := analyticsRec(rec.Key, rec.Amount.String())
		analyticsByKey[rec.Key] = []TransactionRecord{ev, ev}
		analytics = append(analytics, ev, ev)
	}

	outcome, err := Match(backend, analytics, Tolerance{})
	require.NoError(t, err)
	dupes := DetectDuplicates(outcome.AnalyticsByKey, outcome.BackendByKey, Tolerance{})
	require.Len(t, dupes, 3)

	sum, err := Aggregate(testWindow(), outcome, dupes, NormalizationStats{}, AggregateOptions{TopDuplicates: 2})
	require.NoError(t, err)
	require.Len(t, sum.TopDuplicates, 2)
	assert.Equal(t, "B", sum.TopDuplicates[0].Key)
	assert.Equal(t, "C", sum.TopDuplicates[1].Key)
	assert.Equal(t, "140", sum.DuplicateExcess.String())
}

func TestAggregateConservationViolated(t *testing.T) {
	// A hand-built outcome that drops a COMPLETE backend order from the
	// classified results must be refused.
	rec := backendRec("A", "10.00", StatusComplete)
	outcome := MatchOutcome{
		Results: []MatchResult{
			{Key: "A", Kind: KindCorrectlyUntracked, Backend: &rec},
		},
		BackendByKey:   map[string]TransactionRecord{"A": rec},
		AnalyticsByKey: map[string][]TransactionRecord{},
	}
	_, err := Aggregate(testWindow(), outcome, nil, NormalizationStats{}, AggregateOptions{})
	var invErr *AggregationInvariantError
	require.ErrorAs(t, err, &invErr)
}
