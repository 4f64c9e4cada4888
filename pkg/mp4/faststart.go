package mp4

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	amp4 "github.com/abema/go-mp4"
)

// PatchDuration rewrites the moov/mvhd duration field of a finished
// fragmented MP4 file in place. Fragmented MP4 with an empty moov never
// needs this for playback, but some older players and thumbnail
// generators read mvhd.Duration before touching a single fragment; this
// is the optional faststart behavior from spec.md §9, left behind a
// config flag because it costs a seek-and-rewrite pass over a file most
// players handle fine without it.
func PatchDuration(path string, d time.Duration) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("mp4: faststart open: %w", err)
	}
	defer f.Close()

	if err := writeDuration(f, d); err != nil {
		return fmt.Errorf("mp4: faststart patch: %w", err)
	}
	return nil
}

// writeDuration locates the ftyp and moov boxes at the front of the file
// (true for this writer's output: one Init.Marshal call followed only by
// Part data) and rewrites mvhd's duration in place, without touching
// anything else in moov.
func writeDuration(f io.ReadWriteSeeker, d time.Duration) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, 8)
	if _, err := io.ReadFull(f, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf[4:], []byte("ftyp")) {
		return fmt.Errorf("ftyp box not found")
	}
	ftypSize := boxSize(buf)

	if _, err := f.Seek(int64(ftypSize), io.SeekStart); err != nil {
		return err
	}

	if _, err := io.ReadFull(f, buf); err != nil {
		return err
	}
	if !bytes.Equal(buf[4:], []byte("moov")) {
		return fmt.Errorf("moov box not found")
	}
	moovSize := boxSize(buf)

	moovPos, err := f.Seek(8, io.SeekCurrent)
	if err != nil {
		return err
	}

	var mvhd amp4.Mvhd
	if _, err := amp4.Unmarshal(f, uint64(moovSize-8), &mvhd, amp4.Context{}); err != nil {
		return err
	}

	mvhd.DurationV0 = uint32(d / time.Millisecond)

	if _, err := f.Seek(moovPos, io.SeekStart); err != nil {
		return err
	}
	_, err = amp4.Marshal(f, &mvhd, amp4.Context{})
	return err
}

func boxSize(header []byte) uint32 {
	return uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
}
