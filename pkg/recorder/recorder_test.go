package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightnvr/lightnvr/pkg/catalog"
	"github.com/lightnvr/lightnvr/pkg/shutdown"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestRotateSealsPreviousRowAndOpensNew(t *testing.T) {
	cat := newTestCatalog(t)
	dir := t.TempDir()
	r := New(cat, shutdown.New(), nil, "driveway", false)

	cfg := catalog.StreamConfig{Name: "driveway", OutputDir: dir, SegmentDuration: 30}

	id1, path1, err := r.rotate(cfg, 0, "")
	require.NoError(t, err)
	require.NotZero(t, id1)
	require.Contains(t, path1, dir)

	// File names have one-second resolution; wait so the second rotation
	// gets its own name.
	time.Sleep(time.Second)

	id2, path2, err := r.rotate(cfg, id1, path1)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.NotEqual(t, path1, path2)

	open, err := cat.OpenRecordingForStream(context.Background(), "driveway")
	require.NoError(t, err)
	require.NotNil(t, open, "rotate opens the new row before sealing the previous one")
	require.Equal(t, id2, open.ID)

	rows, err := cat.ListClosedRecordings(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id1, rows[0].ID)
	require.True(t, rows[0].IsComplete)
}

func TestSealRecordingMarksCompleteWithZeroSizeWhenFileMissing(t *testing.T) {
	cat := newTestCatalog(t)
	r := New(cat, shutdown.New(), nil, "driveway", false)

	id, err := cat.BeginRecording(context.Background(), "driveway", "/nonexistent/recording.mp4", time.Now())
	require.NoError(t, err)

	r.sealRecording(id, "/nonexistent/recording.mp4")

	rows, err := cat.ListClosedRecordings(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(0), rows[0].SizeBytes)
	require.True(t, rows[0].IsComplete)
}

func TestStopRequestedReflectsCoordinatorShutdown(t *testing.T) {
	coord := shutdown.New()
	r := New(newTestCatalog(t), coord, nil, "driveway", false)
	require.False(t, r.stopRequested())

	coord.InitiateShutdown()
	require.True(t, r.stopRequested())
}

func TestStopRequestedReflectsOwnCancellation(t *testing.T) {
	r := New(newTestCatalog(t), shutdown.New(), nil, "driveway", false)
	require.False(t, r.stopRequested())
	r.cancel()
	require.True(t, r.stopRequested())
}

func TestSleepOrStopReturnsFalseOnCoordinatorShutdown(t *testing.T) {
	coord := shutdown.New()
	r := New(newTestCatalog(t), coord, nil, "driveway", false)

	go func() {
		time.Sleep(5 * time.Millisecond)
		coord.InitiateShutdown()
	}()

	require.False(t, r.sleepOrStop(time.Second))
}

func TestSleepOrStopReturnsTrueWhenTimerElapsesFirst(t *testing.T) {
	r := New(newTestCatalog(t), shutdown.New(), nil, "driveway", false)
	require.True(t, r.sleepOrStop(10*time.Millisecond))
}

func TestStartAndStopTransitionsThroughCoordinator(t *testing.T) {
	cat := newTestCatalog(t)
	coord := shutdown.New()
	require.NoError(t, cat.UpsertStream(context.Background(), catalog.StreamConfig{
		Name: "driveway", URL: "rtsp://127.0.0.1:1/stream", SegmentDuration: 30, Enabled: false, OutputDir: t.TempDir(),
	}))

	r := New(cat, coord, nil, "driveway", false)
	r.Start()

	// Enabled=false makes the main loop return immediately after its
	// first config read, so Stop should observe a prompt exit well
	// within the deadline.
	r.Stop(time.Second)

	snap := coord.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, shutdown.StateStopped, snap[0].State)
}
