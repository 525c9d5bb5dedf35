package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppend_RoundTripsThroughRecent(t *testing.T) {
	l := openTestLedger(t)

	started := time.Now().UTC().Truncate(time.Second)
	finished := started.Add(5 * time.Minute)
	entry := Entry{
		RunID:         "run-1",
		InputRoot:     "/in",
		OutputRoot:    "/out",
		StartedAt:     started,
		FinishedAt:    finished,
		Outcome:       "completed",
		PoolSize:      4,
		Completed:     10,
		Failed:        1,
		Retried:       2,
		AnnotatorPath: "/usr/local/bin/metamap",
	}
	require.NoError(t, l.Append(entry))

	recent, err := l.Recent("/out", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	got := recent[0]
	assert.Equal(t, entry.RunID, got.RunID)
	assert.Equal(t, entry.Outcome, got.Outcome)
	assert.Equal(t, entry.PoolSize, got.PoolSize)
	assert.Equal(t, entry.Completed, got.Completed)
	assert.Equal(t, entry.Failed, got.Failed)
	assert.Equal(t, entry.Retried, got.Retried)
	assert.Equal(t, entry.AnnotatorPath, got.AnnotatorPath)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestRecent_OrdersMostRecentFirst(t *testing.T) {
	l := openTestLedger(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, runID := range []string{"run-older", "run-newer"} {
		require.NoError(t, l.Append(Entry{
			RunID:      runID,
			InputRoot:  "/in",
			OutputRoot: "/out",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Outcome:    "completed",
		}))
	}

	recent, err := l.Recent("/out", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-newer", recent[0].RunID)
	assert.Equal(t, "run-older", recent[1].RunID)
}

func TestRecent_FiltersByOutputRoot(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Append(Entry{RunID: "a", OutputRoot: "/out/a", StartedAt: time.Now(), FinishedAt: time.Now(), Outcome: "completed"}))
	require.NoError(t, l.Append(Entry{RunID: "b", OutputRoot: "/out/b", StartedAt: time.Now(), FinishedAt: time.Now(), Outcome: "completed"}))

	recent, err := l.Recent("/out/a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "a", recent[0].RunID)
}

func TestRecent_RespectsLimit(t *testing.T) {
	l := openTestLedger(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Entry{
			RunID:      "run",
			OutputRoot: "/out",
			StartedAt:  time.Now(),
			FinishedAt: time.Now(),
			Outcome:    "completed",
		}))
	}

	recent, err := l.Recent("/out", 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
