package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revaudit/internal/recon"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWindow() recon.Window {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	return recon.Window{Start: start, End: start.AddDate(0, 0, 1)}
}

func testSummary() recon.Summary {
	return recon.Summary{
		Window:         testWindow(),
		BackendRecords: 2,
		BackendTotal:   decimal.NewFromInt(30),
		Totals: map[recon.Kind]recon.KindTotal{
			recon.KindMatched: {Count: 2, Amount: decimal.NewFromInt(30)},
		},
		MatchRateDefined: true,
		MatchRatePct:     100,
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "acme", testWindow(), 3, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)
	assert.Equal(t, 3, run.MaxAttempts)

	require.NoError(t, store.ClaimRun(ctx, run.ID))
	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempt)

	require.NoError(t, store.BumpAttempt(ctx, run.ID, 2))

	findings := []Finding{
		{Kind: "missing_from_analytics", Key: "B", BackendAmount: "50.00"},
		{Kind: "duplicate_fire", Key: "A", AmountDelta: "30.00", Detail: "fired 2x across 2 events"},
	}
	require.NoError(t, store.MarkSucceeded(ctx, run.ID, testSummary(), findings))

	got, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempt)
	require.NotNil(t, got.Summary)
	assert.True(t, got.Summary.MatchRateDefined)
	assert.Equal(t, 2, got.Summary.BackendRecords)

	list, err := store.ListFindings(ctx, run.ID, "", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	missing, err := store.ListFindings(ctx, run.ID, "missing_from_analytics", 0)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "B", missing[0].Key)
}

func TestCreateRunIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	run, err := store.CreateRun(ctx, "acme", w, 3, false)
	require.NoError(t, err)
	require.NoError(t, store.ClaimRun(ctx, run.ID))
	require.NoError(t, store.MarkSucceeded(ctx, run.ID, testSummary(), nil))

	_, err = store.CreateRun(ctx, "acme", w, 3, false)
	assert.ErrorIs(t, err, ErrAlreadyReconciled)

	// Forcing re-runs and supersedes the earlier result.
	rerun, err := store.CreateRun(ctx, "acme", w, 3, true)
	require.NoError(t, err)
	require.NoError(t, store.ClaimRun(ctx, rerun.ID))
	require.NoError(t, store.MarkSucceeded(ctx, rerun.ID, testSummary(), nil))

	old, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)
	fresh, err := store.GetRun(ctx, rerun.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Superseded)

	// A different window or tenant is unaffected.
	other := recon.Window{Start: w.Start.AddDate(0, 0, 1), End: w.End.AddDate(0, 0, 1)}
	_, err = store.CreateRun(ctx, "acme", other, 3, false)
	assert.NoError(t, err)
	_, err = store.CreateRun(ctx, "globex", w, 3, false)
	assert.NoError(t, err)
}

func TestClaimRunExclusivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	first, err := store.CreateRun(ctx, "acme", w, 3, false)
	require.NoError(t, err)
	second, err := store.CreateRun(ctx, "acme", w, 3, true)
	require.NoError(t, err)

	require.NoError(t, store.ClaimRun(ctx, first.ID))
	assert.ErrorIs(t, store.ClaimRun(ctx, second.ID), ErrNotClaimable)

	// Claiming a non-pending run fails too.
	assert.ErrorIs(t, store.ClaimRun(ctx, first.ID), ErrNotClaimable)

	// Once the first run finishes, the second becomes claimable.
	require.NoError(t, store.MarkFailed(ctx, first.ID, "fetch failed"))
	assert.NoError(t, store.ClaimRun(ctx, second.ID))
}

func TestMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "acme", testWindow(), 3, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, run.ID, "canceled"))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "canceled", got.Error)

	// Terminal runs stay terminal.
	assert.ErrorIs(t, store.MarkFailed(ctx, run.ID, "again"), ErrRunNotFound)

	done, err := store.HasSucceeded(ctx, "acme", testWindow())
	require.NoError(t, err)
	assert.False(t, done)
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	for i := 0; i < 3; i++ {
		shifted := recon.Window{Start: w.Start.AddDate(0, 0, i), End: w.End.AddDate(0, 0, i)}
		_, err := store.CreateRun(ctx, "acme", shifted, 3, false)
		require.NoError(t, err)
	}
	_, err := store.CreateRun(ctx, "globex", w, 3, false)
	require.NoError(t, err)

	all, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	acme, err := store.ListRuns(ctx, "acme", 2)
	require.NoError(t, err)
	assert.Len(t, acme, 2)

	_, err = store.GetRun(ctx, "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
