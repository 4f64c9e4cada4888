// Package timestamp implements the per-track DTS/PTS normalizer that keeps
// a stream's output timestamps monotonic and MP4-safe across segment
// boundaries, without ever rejecting an input packet.
package timestamp

const (
	// maxDTS is the MP4 32-bit fragment timestamp ceiling (2^31 - 1).
	maxDTS int64 = 0x7FFF_FFFF

	// overflowThreshold triggers an early baseline reset before a track's
	// timestamps reach maxDTS, giving headroom for the jump in duration.
	overflowThreshold int64 = 0x7000_0000

	// recoveryRestart is the value timestamps restart from after an
	// overflow-triggered baseline reset.
	recoveryRestart int64 = 1000

	// maxSaneDuration caps a single packet's duration before it is
	// considered bogus (driver glitch, clock jump) and replaced.
	maxSaneDuration int64 = 10_000_000

	// oneSecondDuration is the replacement used when a packet's duration
	// exceeds maxSaneDuration, expressed in a 90kHz video timebase.
	oneSecondDuration int64 = 90_000
)

// Track identifies which media track a packet belongs to. Video and audio
// are normalized independently: each owns its own baseline and last-emitted
// timestamps.
type Track int

const (
	TrackVideo Track = iota
	TrackAudio
)

// trackState holds the per-track values carried across Normalize calls.
type trackState struct {
	baselineSet bool
	baseline    int64
	lastDTS     int64
	lastPTS     int64
	haveLast    bool
}

// Normalizer holds one segment's timestamp state; the Segment Writer creates
// one per segment and calls BeginSegment with that segment's index. It is
// not safe for concurrent use — the Segment Writer drives it from a single
// goroutine.
type Normalizer struct {
	segmentIndex int
	tracks       map[Track]*trackState
}

// New returns a Normalizer starting at segment 0.
func New() *Normalizer {
	return &Normalizer{
		tracks: make(map[Track]*trackState),
	}
}

// BeginSegment advances the normalizer to a new segment index. It arms a
// fresh baseline capture for the next packet seen on each track and clears
// the prior segment's last-emitted timestamps, so the first packet of the
// new segment starts from baseline+1 instead of being lifted forward by the
// monotonicity check to whatever the previous segment last emitted.
func (n *Normalizer) BeginSegment(segmentIndex int) {
	n.segmentIndex = segmentIndex
	for _, t := range n.tracks {
		t.baselineSet = false
		t.haveLast = false
	}
}

// Warning is emitted by Normalize when it performs a recovery action that
// deserves a warn-level log line; it is never a reason to drop the packet.
type Warning string

const (
	WarnOverflowReset Warning = "dts overflow, baseline reset"
	WarnPTSBelowDTS   Warning = "pts below dts, raised to dts"
	WarnDurationClamp Warning = "packet duration clamped"
)

// Result is the normalized output for one packet.
type Result struct {
	DTS      int64
	PTS      int64
	Duration int64
	Warnings []Warning
}

// Normalize applies the rules of §4.1 to one input packet and returns the
// emitted timestamps. inDuration is the packet's declared duration in
// timebase units, or 0 if unknown — in which case fallbackDuration (derived
// from frame rate or samples/sample_rate) is used.
func (n *Normalizer) Normalize(track Track, inDTS, inPTS, inDuration, fallbackDuration int64) Result {
	ts := n.tracks[track]
	if ts == nil {
		ts = &trackState{}
		n.tracks[track] = ts
	}

	if !ts.baselineSet {
		ts.baseline = inDTS
		ts.baselineSet = true
	}

	var res Result

	outDTS := inDTS - ts.baseline
	outPTS := inPTS - ts.baseline
	if n.segmentIndex > 0 {
		outDTS++
		outPTS++
	}
	if outDTS < 0 {
		outDTS = 0
	}
	// A negative outPTS is left for the PTS<DTS check below, which raises
	// it to outDTS (>= 0) and records the warning.

	if ts.haveLast && outDTS <= ts.lastDTS {
		delta := ts.lastDTS + 1 - outDTS
		outDTS = ts.lastDTS + 1
		outPTS += delta
	}

	if outPTS < outDTS {
		outPTS = outDTS
		res.Warnings = append(res.Warnings, WarnPTSBelowDTS)
	}

	if outDTS > overflowThreshold {
		ts.baseline = inDTS - recoveryRestart
		ts.haveLast = false
		outDTS = recoveryRestart
		outPTS = recoveryRestart
		res.Warnings = append(res.Warnings, WarnOverflowReset)
	}
	if outDTS > maxDTS {
		outDTS = maxDTS
	}
	if outPTS > maxDTS {
		outPTS = maxDTS
	}

	duration := inDuration
	if duration <= 0 {
		duration = fallbackDuration
		if duration <= 0 {
			duration = 1
		}
	}
	if duration > maxSaneDuration {
		duration = oneSecondDuration
		res.Warnings = append(res.Warnings, WarnDurationClamp)
	}

	ts.lastDTS = outDTS
	ts.lastPTS = outPTS
	ts.haveLast = true

	res.DTS = outDTS
	res.PTS = outPTS
	res.Duration = duration
	return res
}

// FallbackDuration derives a synthetic packet duration from a track's
// declared frame rate (video) or sample rate (audio), in the given
// timebase clock rate. Returns 1 if neither rate is usable, matching the
// "default to 1" rule.
func FallbackDuration(clockRate int, frameRate float64, samplesPerFrame, sampleRate int) int64 {
	if frameRate > 0 {
		return int64(float64(clockRate) / frameRate)
	}
	if sampleRate > 0 && samplesPerFrame > 0 {
		return int64(samplesPerFrame) * int64(clockRate) / int64(sampleRate)
	}
	return 1
}
