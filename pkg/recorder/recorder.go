// Package recorder implements the Stream Recorder: the per-stream worker
// that rotates Segment Writer calls across catalog rows, retries on
// failure with exponential backoff, and tears itself down cooperatively
// on request.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightnvr/lightnvr/pkg/catalog"
	"github.com/lightnvr/lightnvr/pkg/logger"
	"github.com/lightnvr/lightnvr/pkg/mp4"
	"github.com/lightnvr/lightnvr/pkg/rtsp"
	"github.com/lightnvr/lightnvr/pkg/shutdown"
)

// ErrCatalogWrite wraps any catalog operation failure encountered by the
// Recorder's main loop; distinct from the Segment Writer's own error kinds
// in pkg/mp4 since it originates on the write-back side, not ingest.
var ErrCatalogWrite = errors.New("recorder: catalog write failed")

const (
	maxConsecutiveFailures = 5
	maxBackoff             = 30 * time.Second
)

// Recorder owns one stream's input session, Segment Continuity State, and
// at most one open catalog row at a time.
type Recorder struct {
	streamName string
	cat        *catalog.Catalog
	coord      *shutdown.Coordinator
	log        *logger.Logger
	faststart  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	componentID shutdown.ComponentID
}

// New constructs a Recorder for streamName. Call Start to begin its main
// loop.
func New(cat *catalog.Catalog, coord *shutdown.Coordinator, log *logger.Logger, streamName string, faststart bool) *Recorder {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		streamName: streamName,
		cat:        cat,
		coord:      coord,
		log:        log.With("stream", streamName),
		faststart:  faststart,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start registers with the Shutdown Coordinator and launches the main
// loop in a background goroutine.
func (r *Recorder) Start() {
	r.componentID = r.coord.Register(r.streamName, "recorder", r, shutdown.PriorityRecorder)
	r.coord.UpdateState(r.componentID, shutdown.StateStarting)

	r.wg.Add(1)
	go r.run()
}

// Stop requests this Recorder stop independently of a process-wide
// shutdown (used when a stream is disabled or its URL changes). It
// returns once the worker has exited or deadline elapses.
func (r *Recorder) Stop(deadline time.Duration) {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		r.log.Warn("recorder did not stop within deadline, detaching", "deadline", deadline)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	r.coord.UpdateState(r.componentID, shutdown.StateRunning)
	defer r.coord.UpdateState(r.componentID, shutdown.StateStopped)

	var (
		session         *rtsp.Session
		continuity      mp4.ContinuityState
		openID          int64
		openPath        string
		lastRotation    time.Time
		failures        int
		segmentDuration time.Duration
	)

	defer func() {
		if session != nil {
			session.Close()
		}
		if openID != 0 {
			r.sealRecording(openID, openPath)
		}
	}()

	for {
		if r.stopRequested() {
			return
		}

		cfg, err := r.cat.GetStreamConfig(r.ctx, r.streamName)
		if err != nil {
			r.log.Warn("stream config unavailable, retrying", "error", err)
			if !r.sleepOrStop(time.Second) {
				return
			}
			continue
		}
		if !cfg.Enabled {
			return
		}

		segmentDuration = time.Duration(cfg.SegmentDuration) * time.Second

		if openID == 0 || time.Since(lastRotation) >= segmentDuration {
			newID, newPath, err := r.rotate(cfg, openID, openPath)
			if err != nil {
				r.log.Error("rotation failed", "error", err)
				if !r.sleepOrStop(time.Second) {
					return
				}
				continue
			}
			openID, openPath = newID, newPath
			lastRotation = time.Now()
		}

		var recErr error
		session, recErr = mp4.RecordSegment(r.ctx, r.log, cfg.URL, openPath, segmentDuration, session, cfg.RecordAudio, r.faststart, &continuity)

		if recErr == nil {
			failures = 0
			if err := r.updateSize(openID, openPath, false); err != nil {
				r.log.Warn("catalog size update failed", "error", err)
			}
		} else {
			failures++
			r.log.Warn("segment recording failed", "error", recErr, "consecutive_failures", failures)

			backoffSeconds := math.Min(float64(maxBackoff/time.Second), math.Pow(2, math.Min(float64(failures-1), 4)))
			backoff := time.Duration(backoffSeconds * float64(time.Second))
			if !r.sleepOrStop(backoff) {
				return
			}

			if failures > maxConsecutiveFailures && session != nil {
				session.Close()
				session = nil
			}
		}

		if session == nil {
			// A fresh input session starts a fresh continuity sequence —
			// there is no prior segment's baseline to offset from.
			continuity = mp4.ContinuityState{}
		} else {
			continuity.SegmentIndex++
		}
	}
}

// rotate opens a new row, then seals the previous one (if any), in that
// order — spec.md §5: "A segment row is always inserted before the
// previous row is sealed." This guarantees a stream never has zero open
// rows between segments; the transient window with two open rows is
// tolerated (spec.md §9).
func (r *Recorder) rotate(cfg catalog.StreamConfig, prevID int64, prevPath string) (int64, string, error) {
	newPath := filepath.Join(cfg.OutputDir, fmt.Sprintf("recording_%s.mp4", time.Now().Format("20060102_150405")))
	id, err := r.cat.BeginRecording(r.ctx, r.streamName, newPath, time.Now())
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrCatalogWrite, err)
	}

	if prevID != 0 {
		r.sealRecording(prevID, prevPath)
	}

	return id, newPath, nil
}

// sealRecording marks a row complete, using the on-disk file size if
// available and 0 (with a warning) otherwise — spec.md §4.3's sealing
// invariant. It does not use r.ctx, so the final seal after Stop has
// canceled the Recorder still reaches the catalog.
func (r *Recorder) sealRecording(id int64, path string) {
	size := int64(0)
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	} else {
		r.log.Warn("sealing recording with unknown size, file unreadable", "path", path, "error", err)
	}
	if err := r.cat.UpdateRecording(context.Background(), id, time.Now(), size, true); err != nil {
		r.log.Error("failed to seal recording", "id", id, "error", err)
	}
}

// updateSize refreshes size_bytes for the currently-open row without
// closing it, used after every successful segment.
func (r *Recorder) updateSize(id int64, path string, complete bool) error {
	size := int64(0)
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	return r.cat.UpdateRecording(r.ctx, id, time.Time{}, size, complete)
}

func (r *Recorder) stopRequested() bool {
	if r.ctx.Err() != nil {
		return true
	}
	return r.coord.IsShutdownInitiated()
}

// sleepOrStop sleeps for d, returning false early if stop is requested
// meanwhile so the caller can exit immediately rather than finish a
// pointless sleep.
func (r *Recorder) sleepOrStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	case <-r.coord.Done():
		return false
	}
}
