package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/persistence"
	"github.com/erp/collector/tests/testutil"
)

func newRun(t *testing.T, start, end time.Time, startedAt time.Time) *extraction.RunRecord {
	t.Helper()
	window, err := extraction.NewPeriod(start, end)
	require.NoError(t, err)
	return extraction.NewRunRecord(extraction.RunKindIncremental, window, startedAt)
}

func TestRunLedger_Lifecycle(t *testing.T) {
	tdb := NewSharedTestDB(t)
	ctx := context.Background()
	ledger := persistence.NewGormRunLedger(tdb.DB)

	_, ok, err := ledger.LastSuccessfulReferenceDate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Second)
	run := newRun(t, testutil.Day(2024, 3, 1), testutil.Day(2024, 3, 2), now)
	require.NoError(t, ledger.RecordAttempt(ctx, run))

	run.Counts.InvoicesProcessed = 12
	run.Counts.ContactsSkipped = 1
	run.Failed = []extraction.FailedRecord{{Entity: "contact", Key: "8", Reason: "not found"}}
	run.Succeed(now.Add(time.Minute), run.Window.End)
	require.NoError(t, ledger.RecordResult(ctx, run))

	ref, ok, err := ledger.LastSuccessfulReferenceDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-03-02", ref.Format(extraction.DateLayout))

	last, err := ledger.LastSuccessful(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
	assert.Equal(t, 12, last.Counts.InvoicesProcessed)
	assert.Equal(t, run.Failed, last.Failed)

	// terminal records are never rewritten
	run.Fail(now.Add(2*time.Minute), "late failure")
	err = ledger.RecordResult(ctx, run)
	assert.ErrorIs(t, err, persistence.ErrRunNotRunning)
}

func TestRunLedger_WatermarkIsLatestReferenceDate(t *testing.T) {
	tdb := NewSharedTestDB(t)
	ctx := context.Background()
	ledger := persistence.NewGormRunLedger(tdb.DB)
	now := time.Now().UTC()

	later := newRun(t, testutil.Day(2024, 3, 1), testutil.Day(2024, 3, 9), now.Add(-2*time.Hour))
	earlier := newRun(t, testutil.Day(2024, 1, 1), testutil.Day(2024, 1, 31), now.Add(-time.Hour))
	failed := newRun(t, testutil.Day(2024, 3, 1), testutil.Day(2024, 4, 30), now)
	for _, run := range []*extraction.RunRecord{later, earlier, failed} {
		require.NoError(t, ledger.RecordAttempt(ctx, run))
	}

	later.Succeed(now, later.Window.End)
	earlier.Succeed(now, earlier.Window.End)
	failed.Fail(now, "rate limited")
	for _, run := range []*extraction.RunRecord{later, earlier, failed} {
		require.NoError(t, ledger.RecordResult(ctx, run))
	}

	ref, ok, err := ledger.LastSuccessfulReferenceDate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-03-09", ref.Format(extraction.DateLayout))

	recent, err := ledger.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, failed.ID, recent[0].ID)
	assert.Equal(t, "rate limited", recent[0].ErrorMessage)
}

func TestRunLedger_SupersedeStale(t *testing.T) {
	tdb := NewSharedTestDB(t)
	ctx := context.Background()
	ledger := persistence.NewGormRunLedger(tdb.DB)
	now := time.Now().UTC()

	stale := newRun(t, testutil.Day(2024, 3, 1), testutil.Day(2024, 3, 2), now.Add(-10*time.Hour))
	fresh := newRun(t, testutil.Day(2024, 3, 1), testutil.Day(2024, 3, 2), now.Add(-time.Hour))
	require.NoError(t, ledger.RecordAttempt(ctx, stale))
	require.NoError(t, ledger.RecordAttempt(ctx, fresh))

	current := testutil.NewTestUUID("current-run")
	ids, err := ledger.SupersedeStale(ctx, now.Add(-6*time.Hour), current)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, stale.ID, ids[0])

	recent, err := ledger.Recent(ctx, 10)
	require.NoError(t, err)
	statuses := map[string]extraction.RunStatus{}
	for _, r := range recent {
		statuses[r.ID.String()] = r.Status
		if r.ID == stale.ID {
			assert.Contains(t, r.ErrorMessage, current.String())
		}
	}
	assert.Equal(t, extraction.RunStatusError, statuses[stale.ID.String()])
	assert.Equal(t, extraction.RunStatusRunning, statuses[fresh.ID.String()])
}
