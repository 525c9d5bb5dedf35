package state

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpequegn/metamaprun/internal/csvwriter"
	"github.com/jpequegn/metamaprun/internal/errkind"
)

func csvPathFor(path string) string {
	return "/out/" + path + ".csv"
}

func writeCompleteCSV(t *testing.T, fs afero.Fs, path string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte("CUI\n"+csvwriter.EndOfFileMarker+"\n"), 0o644))
}

func TestOpen_InitializesEmptyDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Empty(t, snap.Files)
}

func TestMarkInProgress_ThenCompleted(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkInProgress("/in/a.txt", 1))
	snap := m.Snapshot()
	assert.Equal(t, InProgress, snap.Files["/in/a.txt"].Status)

	require.NoError(t, m.MarkCompleted("/in/a.txt", 3, 1.5))
	snap = m.Snapshot()
	rec := snap.Files["/in/a.txt"]
	assert.Equal(t, Completed, rec.Status)
	require.NotNil(t, rec.Concepts)
	assert.Equal(t, 3, *rec.Concepts)
	assert.Equal(t, 1, snap.Manifest.Totals.Completed)
}

func TestMarkCompleted_IsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkCompleted("/in/a.txt", 2, 1.0))
	require.NoError(t, m.MarkCompleted("/in/a.txt", 2, 1.0))

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Manifest.Totals.Completed)
}

func TestMarkFailed(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed("/in/a.txt", errkind.Timeout, "annotator timed out"))

	snap := m.Snapshot()
	rec := snap.Files["/in/a.txt"]
	assert.Equal(t, Failed, rec.Status)
	assert.Equal(t, "timeout", rec.LastErrorKind)
	assert.Equal(t, 1, snap.Manifest.Totals.Failed)
}

func TestAcquireLock_ConflictsWithLiveLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.AcquireLock(111))

	m2, err := Open(fs, "/out", "run-2")
	require.NoError(t, err)
	err = m2.AcquireLock(222)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestReleaseLock_AllowsReacquire(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.AcquireLock(111))
	m.ReleaseLock()

	m2, err := Open(fs, "/out", "run-2")
	require.NoError(t, err)
	assert.NoError(t, m2.AcquireLock(222))
}

func TestIsCompleted_RequiresBothRecordAndCSVMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkCompleted("/in/a.txt", 1, 0.1))
	assert.False(t, m.IsCompleted("/in/a.txt", "/out/a.csv", fs), "CSV does not exist yet")

	writeCompleteCSV(t, fs, "/out/a.csv")
	assert.True(t, m.IsCompleted("/in/a.txt", "/out/a.csv", fs))
}

func TestResetInProgressToPending_RevertsUncleanShutdown(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkInProgress("a.txt", 1))
	require.NoError(t, m.ResetInProgressToPending(fs, csvPathFor))

	snap := m.Snapshot()
	assert.Equal(t, Pending, snap.Files["a.txt"].Status)
}

func TestResetInProgressToPending_DemotesCompletedWithoutValidCSV(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkCompleted("a.txt", 2, 0.5))
	require.NoError(t, m.ResetInProgressToPending(fs, csvPathFor))

	snap := m.Snapshot()
	assert.Equal(t, Pending, snap.Files["a.txt"].Status)
	assert.Equal(t, 0, snap.Manifest.Totals.Completed)
}

func TestResetInProgressToPending_KeepsCompletedWithValidCSV(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkCompleted("a.txt", 2, 0.5))
	writeCompleteCSV(t, fs, csvPathFor("a.txt"))

	require.NoError(t, m.ResetInProgressToPending(fs, csvPathFor))

	snap := m.Snapshot()
	assert.Equal(t, Completed, snap.Files["a.txt"].Status)
	assert.Equal(t, 1, snap.Manifest.Totals.Completed)
}

func TestResetFailedToPending(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed("a.txt", errkind.Timeout, "slow"))
	require.NoError(t, m.MarkFailed("b.txt", errkind.Parse, "bad xml"))
	require.NoError(t, m.MarkCompleted("c.txt", 1, 0.1))

	reset, err := m.ResetFailedToPending()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, reset)

	snap := m.Snapshot()
	assert.Equal(t, Pending, snap.Files["a.txt"].Status)
	assert.Equal(t, 0, snap.Files["a.txt"].Attempts)
	assert.Equal(t, Completed, snap.Files["c.txt"].Status)
}

func TestOpen_ReloadsPersistedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	m, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)
	require.NoError(t, m.MarkCompleted("a.txt", 4, 2.0))

	reopened, err := Open(fs, "/out", "run-1")
	require.NoError(t, err)

	snap := reopened.Snapshot()
	assert.Equal(t, Completed, snap.Files["a.txt"].Status)
	require.NotNil(t, snap.Files["a.txt"].Concepts)
	assert.Equal(t, 4, *snap.Files["a.txt"].Concepts)
}
