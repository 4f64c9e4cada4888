package mp4

import "errors"

// Error kinds of the Segment Writer, matching the taxonomy in spec.md §4.2
// and §7. Checked with errors.Is; where RecordSegment reports one of these
// kinds it wraps the underlying cause with fmt.Errorf("%w: %v", sentinel,
// cause). Failures to marshal or write a media part are returned without a
// sentinel, and ErrStreamInfoFailed is not produced: a failed DESCRIBE is
// reported as ErrInputOpenFailed.
var (
	// ErrInputOpenFailed covers network/auth/DNS failure opening the RTSP
	// source. The input session is discarded; the caller retries with backoff.
	ErrInputOpenFailed = errors.New("mp4: input open failed")

	// ErrStreamInfoFailed covers a DESCRIBE that succeeds at the transport
	// level but fails to yield usable stream info. The input session is
	// preserved where possible.
	ErrStreamInfoFailed = errors.New("mp4: stream info failed")

	// ErrNoVideoStream is fatal for this URL: the source has no video media.
	ErrNoVideoStream = errors.New("mp4: no video stream")

	// ErrOutputOpenFailed covers failure to create the destination file.
	ErrOutputOpenFailed = errors.New("mp4: output open failed")

	// ErrHeaderWriteFailed covers failure to write the init segment.
	ErrHeaderWriteFailed = errors.New("mp4: header write failed")

	// ErrPacketRead covers a non-EAGAIN, non-EOF failure reading from the
	// input session. The segment closes short.
	ErrPacketRead = errors.New("mp4: packet read error")

	// ErrEOF signals the input session reached a clean end; it is discarded
	// and must be reconnected by the next call.
	ErrEOF = errors.New("mp4: eof")

	// ErrTrailerWriteFailed covers failure to finalize the MP4 trailer. The
	// file is left however the muxer left it; sealing proceeds with
	// whatever size is on disk.
	ErrTrailerWriteFailed = errors.New("mp4: trailer write failed")
)
