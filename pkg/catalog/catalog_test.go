package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "catalog.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBeginAndUpdateRecording(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	id, err := c.BeginRecording(ctx, "driveway", "/rec/driveway/a.mp4", time.Unix(1000, 0))
	require.NoError(t, err)
	require.NotZero(t, id)

	open, err := c.OpenRecordingForStream(ctx, "driveway")
	require.NoError(t, err)
	require.NotNil(t, open)
	require.False(t, open.IsComplete)
	require.Equal(t, int64(0), open.SizeBytes)

	err = c.UpdateRecording(ctx, id, time.Time{}, 4096, false)
	require.NoError(t, err)

	open, err = c.OpenRecordingForStream(ctx, "driveway")
	require.NoError(t, err)
	require.Equal(t, int64(4096), open.SizeBytes)
	require.True(t, open.EndTime.IsZero(), "end_time must be left unchanged when endTime arg is zero")

	err = c.UpdateRecording(ctx, id, time.Unix(1030, 0), 8192, true)
	require.NoError(t, err)

	open, err = c.OpenRecordingForStream(ctx, "driveway")
	require.NoError(t, err)
	require.Nil(t, open, "sealed row is no longer the open row")
}

func TestUpdateRecordingIdempotent(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	id, err := c.BeginRecording(ctx, "driveway", "/rec/driveway/a.mp4", time.Unix(1000, 0))
	require.NoError(t, err)

	err = c.UpdateRecording(ctx, id, time.Unix(1030, 0), 8192, true)
	require.NoError(t, err)
	err = c.UpdateRecording(ctx, id, time.Unix(1030, 0), 8192, true)
	require.NoError(t, err)

	rows, err := c.queryRecordings(ctx, `WHERE id = ?`, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].IsComplete)
	require.Equal(t, int64(8192), rows[0].SizeBytes)
}

func TestGetStreamConfigNotFound(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	_, err := c.GetStreamConfig(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertAndListStreams(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	sc := StreamConfig{
		Name: "driveway", URL: "rtsp://cam/driveway", SegmentDuration: 30,
		RecordAudio: true, Enabled: true, OutputDir: "/rec/driveway",
	}
	require.NoError(t, c.UpsertStream(ctx, sc))

	got, err := c.GetStreamConfig(ctx, "driveway")
	require.NoError(t, err)
	require.Equal(t, sc, got)

	sc.SegmentDuration = 60
	require.NoError(t, c.UpsertStream(ctx, sc))

	list, err := c.ListStreams(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 60, list[0].SegmentDuration)
}

func TestRecoverOnStartupSealsExistingFile(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "orphan.mp4")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0644))

	id, err := c.BeginRecording(ctx, "driveway", path, time.Unix(1000, 0))
	require.NoError(t, err)

	require.NoError(t, c.RecoverOnStartup(ctx))

	rows, err := c.queryRecordings(ctx, `WHERE id = ?`, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].IsComplete)
	require.Equal(t, int64(2048), rows[0].SizeBytes)
}

func TestRecoverOnStartupDeletesMissingFile(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	id, err := c.BeginRecording(ctx, "driveway", "/does/not/exist.mp4", time.Unix(1000, 0))
	require.NoError(t, err)

	require.NoError(t, c.RecoverOnStartup(ctx))

	rows, err := c.queryRecordings(ctx, `WHERE id = ?`, id)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestRecoverOnStartupNoOpOnCleanState(t *testing.T) {
	ctx := context.Background()
	c := openTestCatalog(t)

	id, err := c.BeginRecording(ctx, "driveway", "/rec/a.mp4", time.Unix(1000, 0))
	require.NoError(t, err)
	require.NoError(t, c.UpdateRecording(ctx, id, time.Unix(1030, 0), 100, true))

	require.NoError(t, c.RecoverOnStartup(ctx))
	require.NoError(t, c.RecoverOnStartup(ctx))

	rows, err := c.queryRecordings(ctx, `WHERE id = ?`, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].IsComplete)
}
