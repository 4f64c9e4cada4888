package mp4

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightnvr/lightnvr/pkg/rtsp"
	"github.com/lightnvr/lightnvr/pkg/timestamp"
)

// fakeSource is a frameSource backed by a fixed slice of frames, used to
// drive the segment state machine without a real RTSP server.
type fakeSource struct {
	mu     sync.Mutex
	frames []rtsp.Frame
	pos    int
}

func (f *fakeSource) ReadFrame(ctx context.Context) (rtsp.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.frames) {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return rtsp.Frame{}, ctx.Err()
	}
	fr := f.frames[f.pos]
	f.pos++
	return fr, nil
}

func (f *fakeSource) VideoInfo() rtsp.VideoInfo { return rtsp.VideoInfo{SPS: []byte{0x67}, PPS: []byte{0x68}} }
func (f *fakeSource) HasAudio() bool            { return false }
func (f *fakeSource) AudioInfo() rtsp.AudioInfo { return rtsp.AudioInfo{} }
func (f *fakeSource) Close() error              { return nil }

func videoFrame(key bool) rtsp.Frame {
	nalType := byte(1)
	if key {
		nalType = 5
	}
	return rtsp.Frame{
		Track:      timestamp.TrackVideo,
		AU:         [][]byte{{nalType, 0xAA, 0xBB}},
		PTS:        0,
		ClockRate:  90000,
		IsKeyframe: key,
	}
}

func TestRecordSegmentWaitsForFirstKeyframe(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{frames: []rtsp.Frame{
		videoFrame(false),
		videoFrame(false),
		videoFrame(true),
		videoFrame(true), // closing keyframe, arrives once grace begins
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	continuity := &ContinuityState{}
	err := recordSegment(ctx, nil, filepath.Join(dir, "seg.mp4"), 10*time.Millisecond, src, false, false, continuity)
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(dir, "seg.mp4"))
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0), "segment file must contain init + part data")
}

func TestRecordSegmentStartOfGOPHandshake(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{frames: []rtsp.Frame{
		videoFrame(false), // not a keyframe, but continuity says the prior segment closed on one
		videoFrame(true),
	}}

	continuity := &ContinuityState{SegmentIndex: 1, LastFrameWasKey: true}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := recordSegment(ctx, nil, filepath.Join(dir, "seg.mp4"), 10*time.Millisecond, src, false, false, continuity)
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(dir, "seg.mp4"))
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))
}

func TestRecordSegmentClosesAfterGraceWithoutFinalKeyframe(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{frames: []rtsp.Frame{
		videoFrame(true),
		videoFrame(false),
		videoFrame(false), // never closes on a keyframe
	}}

	continuity := &ContinuityState{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	err := recordSegment(ctx, nil, filepath.Join(dir, "seg.mp4"), time.Millisecond, src, false, false, continuity)
	require.NoError(t, err)
	require.False(t, continuity.LastFrameWasKey, "segment closed without a final keyframe")
	require.GreaterOrEqual(t, time.Since(start), finalGrace, "must wait out the grace window before giving up")
}

func TestRecordSegmentPropagatesPacketReadError(t *testing.T) {
	dir := t.TempDir()
	src := &errorSource{err: errors.New("connection reset")}

	continuity := &ContinuityState{}
	err := recordSegment(context.Background(), nil, filepath.Join(dir, "seg.mp4"), time.Second, src, false, false, continuity)
	require.ErrorIs(t, err, ErrPacketRead)
}

func TestRecordSegmentTranslatesEOF(t *testing.T) {
	dir := t.TempDir()
	src := &errorSource{err: rtsp.ErrEOF}

	continuity := &ContinuityState{}
	err := recordSegment(context.Background(), nil, filepath.Join(dir, "seg.mp4"), time.Second, src, false, false, continuity)
	require.ErrorIs(t, err, ErrEOF)
}

// errorSource always fails ReadFrame, used to exercise the error-kind
// translation paths.
type errorSource struct{ err error }

func (e *errorSource) ReadFrame(ctx context.Context) (rtsp.Frame, error) {
	return rtsp.Frame{}, e.err
}
func (e *errorSource) VideoInfo() rtsp.VideoInfo { return rtsp.VideoInfo{} }
func (e *errorSource) HasAudio() bool            { return false }
func (e *errorSource) AudioInfo() rtsp.AudioInfo { return rtsp.AudioInfo{} }
func (e *errorSource) Close() error              { return nil }

func TestNalusToAVCLengthPrefixes(t *testing.T) {
	out := nalusToAVC([][]byte{{0x65, 0x01}, {0x41, 0x02, 0x03}})
	require.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x02, 0x65, 0x01,
		0x00, 0x00, 0x00, 0x03, 0x41, 0x02, 0x03,
	}, out)
}
