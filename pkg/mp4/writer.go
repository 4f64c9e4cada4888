// Package mp4 implements the Segment Writer: it drives one RTSP input
// session through one fragmented-MP4 output file for a bounded duration,
// bracketed by keyframes, and hands the input session back to the caller
// for reuse by the next segment.
package mp4

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"

	"github.com/lightnvr/lightnvr/pkg/logger"
	"github.com/lightnvr/lightnvr/pkg/rtsp"
	"github.com/lightnvr/lightnvr/pkg/timestamp"
)

// state is the per-segment state machine from spec.md §4.2.
type state int

const (
	stateWaitFirstKeyframe state = iota
	stateRecording
	stateWaitFinalKeyframe
	stateDone
)

const (
	videoTrackID = 1
	audioTrackID = 2

	// finalGrace is the window after entering WAIT_FINAL_KEYFRAME during
	// which the segment will still close on a non-key frame rather than
	// hang indefinitely waiting for a keyframe that may never come.
	finalGrace = 2 * time.Second
)

// ContinuityState is the per-Stream-Recorder Segment Continuity State from
// spec.md §3: transient, held only in memory, destroyed on reconnect.
type ContinuityState struct {
	SegmentIndex    int
	HasAudio        bool
	LastFrameWasKey bool
}

// frameSource is the subset of *rtsp.Session the writer depends on. It
// exists so the state machine can be exercised against a fake source in
// tests without dialing a real RTSP server.
type frameSource interface {
	ReadFrame(ctx context.Context) (rtsp.Frame, error)
	VideoInfo() rtsp.VideoInfo
	HasAudio() bool
	AudioInfo() rtsp.AudioInfo
	Close() error
}

// RecordSegment consumes packets from an established (or freshly dialed)
// RTSP input session and emits exactly one MP4 file bracketed by
// keyframes, of approximately maxDuration. It returns the input session
// for reuse by the next call — nil if the session was discarded (EOF or
// unrecoverable read error) and must be redialed.
func RecordSegment(
	ctx context.Context,
	log *logger.Logger,
	rtspURL string,
	outputPath string,
	maxDuration time.Duration,
	session *rtsp.Session,
	includeAudio bool,
	faststart bool,
	continuity *ContinuityState,
) (*rtsp.Session, error) {
	if log == nil {
		log = logger.Default()
	}

	if session == nil {
		var err error
		session, err = rtsp.Connect(ctx, log, rtspURL, includeAudio)
		if errors.Is(err, rtsp.ErrNoVideoStream) {
			return nil, fmt.Errorf("%w: %v", ErrNoVideoStream, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInputOpenFailed, err)
		}
	}

	if err := recordSegment(ctx, log, outputPath, maxDuration, session, includeAudio, faststart, continuity); err != nil {
		if errors.Is(err, ErrEOF) || errors.Is(err, ErrPacketRead) {
			session.Close()
			return nil, err
		}
		return session, err
	}
	return session, nil
}

// recordSegment drives the state machine against any frameSource, letting
// tests substitute a fake for *rtsp.Session.
func recordSegment(ctx context.Context, log *logger.Logger, outputPath string, maxDuration time.Duration, session frameSource, includeAudio, faststart bool, continuity *ContinuityState) error {
	w, err := newSegmentWriter(log, outputPath, session, includeAudio, continuity)
	if err != nil {
		return err
	}

	err = w.run(ctx, session, maxDuration, continuity)

	closeErr := w.close()
	if err == nil {
		err = closeErr
	}

	if err == nil && faststart {
		if perr := PatchDuration(outputPath, time.Duration(w.videoEndTime)*time.Second/90000); perr != nil {
			w.log.Warn("faststart duration patch failed, file remains playable without it", "path", outputPath, "error", perr)
		}
	}

	return err
}

// segmentWriter owns the output file, the fmp4 init/part machinery, and
// the timestamp normalizer for the duration of one segment.
type segmentWriter struct {
	log  *logger.Logger
	file *os.File
	norm *timestamp.Normalizer

	hasAudio bool
	seqNum   uint32

	// videoEndTime is the normalized DTS (plus its sample's duration) of the
	// last video sample written, in the video track's timescale — used to
	// patch the moov duration box for faststart output.
	videoEndTime uint64

	state        state
	segmentStart time.Time
}

func newSegmentWriter(log *logger.Logger, outputPath string, session frameSource, includeAudio bool, continuity *ContinuityState) (*segmentWriter, error) {
	if log == nil {
		log = logger.Default()
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputOpenFailed, err)
	}

	hasAudio := includeAudio && session.HasAudio()
	// has_audio is sticky after the first segment of a session.
	if continuity.SegmentIndex > 0 {
		hasAudio = continuity.HasAudio
	} else {
		continuity.HasAudio = hasAudio
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{videoInitTrack(session)},
	}
	if hasAudio {
		init.Tracks = append(init.Tracks, audioInitTrack(session))
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrHeaderWriteFailed, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrHeaderWriteFailed, err)
	}

	norm := timestamp.New()
	norm.BeginSegment(continuity.SegmentIndex)

	return &segmentWriter{
		log:          log,
		file:         f,
		norm:         norm,
		hasAudio:     hasAudio,
		state:        stateWaitFirstKeyframe,
		segmentStart: time.Now(),
	}, nil
}

func videoInitTrack(session frameSource) *fmp4.InitTrack {
	vi := session.VideoInfo()
	return &fmp4.InitTrack{
		ID:        videoTrackID,
		TimeScale: 90000,
		Codec:     &fmp4.CodecH264{SPS: vi.SPS, PPS: vi.PPS},
	}
}

func audioInitTrack(session frameSource) *fmp4.InitTrack {
	ai := session.AudioInfo()
	return &fmp4.InitTrack{
		ID:        audioTrackID,
		TimeScale: uint32(ai.SampleRate),
		Codec: &fmp4.CodecMPEG4Audio{
			Config: mpeg4audio.Config{
				// Type 2 is AAC-LC, the only profile gortsplib's MPEG4Audio
				// format negotiates for RTSP sources in practice.
				Type:         2,
				SampleRate:   ai.SampleRate,
				ChannelCount: ai.ChannelCount,
			},
		},
	}
}

// run drives the blocking read loop until the state machine reaches DONE
// or an unrecoverable error occurs.
func (w *segmentWriter) run(ctx context.Context, session frameSource, maxDuration time.Duration, continuity *ContinuityState) error {
	// Start-of-GOP handshake: if the prior segment ended on a keyframe,
	// this segment may enter RECORDING immediately without waiting for a
	// fresh keyframe.
	if continuity.SegmentIndex > 0 && continuity.LastFrameWasKey {
		w.state = stateRecording
	}

	softDeadline := maxDuration - time.Second
	if softDeadline < 0 {
		softDeadline = 0
	}

	var graceDeadline time.Time

	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if w.state == stateWaitFinalKeyframe {
			// The grace window is independent of the caller's ctx: once
			// shutdown has been observed, waiting for a closing keyframe is
			// governed purely by the wall-clock grace period, not by
			// whatever canceled ctx in the first place.
			readCtx, cancel = context.WithDeadline(context.Background(), graceDeadline)
		}

		frame, err := session.ReadFrame(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if w.state == stateWaitFinalKeyframe && errors.Is(err, context.DeadlineExceeded) {
				continuity.LastFrameWasKey = false
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// Cooperative shutdown observed between packets.
				w.enterWaitFinalKeyframe(&graceDeadline)
				continue
			}
			if errors.Is(err, rtsp.ErrEOF) {
				return ErrEOF
			}
			return fmt.Errorf("%w: %v", ErrPacketRead, err)
		}

		if w.state == stateRecording && time.Since(w.segmentStart) >= softDeadline {
			w.enterWaitFinalKeyframe(&graceDeadline)
		}

		if err := w.handleFrame(frame, continuity); err != nil {
			return err
		}

		if w.state == stateDone {
			return nil
		}
	}
}

func (w *segmentWriter) enterWaitFinalKeyframe(graceDeadline *time.Time) {
	if w.state == stateWaitFinalKeyframe {
		return
	}
	w.state = stateWaitFinalKeyframe
	*graceDeadline = time.Now().Add(finalGrace)
}

func (w *segmentWriter) handleFrame(frame rtsp.Frame, continuity *ContinuityState) error {
	if frame.Track == timestamp.TrackAudio {
		if !w.hasAudio || w.state == stateWaitFirstKeyframe {
			return nil // audio dropped until video reaches RECORDING
		}
		return w.writeAudio(frame)
	}

	switch w.state {
	case stateWaitFirstKeyframe:
		if !frame.IsKeyframe {
			return nil
		}
		w.state = stateRecording
		return w.writeVideo(frame)

	case stateRecording:
		return w.writeVideo(frame)

	case stateWaitFinalKeyframe:
		if err := w.writeVideo(frame); err != nil {
			return err
		}
		if frame.IsKeyframe {
			continuity.LastFrameWasKey = true
			w.state = stateDone
		}
		return nil
	}

	return nil
}

func (w *segmentWriter) writeVideo(frame rtsp.Frame) error {
	fallback := timestamp.FallbackDuration(frame.ClockRate, 0, 0, 0)
	inTS := toClock(frame.PTS, frame.ClockRate)
	res := w.norm.Normalize(timestamp.TrackVideo, inTS, inTS, 0, fallback)
	w.logWarnings(timestamp.TrackVideo, res.Warnings)

	sample := &fmp4.Sample{
		IsNonSyncSample: !frame.IsKeyframe,
		Payload:         nalusToAVC(frame.AU),
		Duration:        uint32(res.Duration),
		PTSOffset:       int32(res.PTS - res.DTS),
	}

	part := &fmp4.Part{
		SequenceNumber: w.nextSeq(),
		Tracks: []*fmp4.PartTrack{
			{ID: videoTrackID, BaseTime: uint64(res.DTS), Samples: []*fmp4.Sample{sample}},
		},
	}
	w.videoEndTime = uint64(res.DTS) + uint64(res.Duration)

	return w.writePart(part)
}

func (w *segmentWriter) writeAudio(frame rtsp.Frame) error {
	fallback := timestamp.FallbackDuration(frame.ClockRate, 0, 1024, frame.ClockRate)
	inTS := toClock(frame.PTS, frame.ClockRate)

	var samples []*fmp4.Sample
	var baseTime int64
	for i, au := range frame.AU {
		res := w.norm.Normalize(timestamp.TrackAudio, inTS, inTS, 0, fallback)
		w.logWarnings(timestamp.TrackAudio, res.Warnings)
		if i == 0 {
			baseTime = res.DTS
		}
		samples = append(samples, &fmp4.Sample{
			Payload:   au,
			Duration:  uint32(res.Duration),
			PTSOffset: int32(res.PTS - res.DTS),
		})
	}
	if len(samples) == 0 {
		return nil
	}

	part := &fmp4.Part{
		SequenceNumber: w.nextSeq(),
		Tracks: []*fmp4.PartTrack{
			{ID: audioTrackID, BaseTime: uint64(baseTime), Samples: samples},
		},
	}

	return w.writePart(part)
}

// logWarnings surfaces a Normalize warning as a single warn-level log line
// per spec.md §7; none of them are reasons to drop the sample.
func (w *segmentWriter) logWarnings(track timestamp.Track, warnings []timestamp.Warning) {
	for _, warning := range warnings {
		w.log.Warn("timestamp normalization", "track", trackName(track), "reason", string(warning))
	}
}

func trackName(t timestamp.Track) string {
	if t == timestamp.TrackAudio {
		return "audio"
	}
	return "video"
}

func (w *segmentWriter) nextSeq() uint32 {
	w.seqNum++
	return w.seqNum
}

func (w *segmentWriter) writePart(part *fmp4.Part) error {
	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("mp4: marshal part: %w", err)
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("mp4: write part: %w", err)
	}
	return nil
}

// close finalizes the output file. Per spec.md §4.2, fragmented MP4 with
// empty_moov semantics needs no trailer rewrite beyond closing the file —
// there is no final moov relocation (faststart is handled separately, see
// faststart.go, gated behind configuration).
func (w *segmentWriter) close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrTrailerWriteFailed, err)
	}
	return nil
}

// toClock converts a time.Duration PTS into integer clock-rate units.
func toClock(d time.Duration, clockRate int) int64 {
	return int64(d.Seconds() * float64(clockRate))
}

// nalusToAVC concatenates a list of raw NAL units (as returned by the RTP
// H264 decoder) into an AVC (length-prefixed) byte stream, the payload
// format fragmented MP4 samples require.
func nalusToAVC(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		var lenBuf [4]byte
		l := uint32(len(n))
		lenBuf[0] = byte(l >> 24)
		lenBuf[1] = byte(l >> 16)
		lenBuf[2] = byte(l >> 8)
		lenBuf[3] = byte(l)
		out = append(out, lenBuf[:]...)
		out = append(out, n...)
	}
	return out
}
