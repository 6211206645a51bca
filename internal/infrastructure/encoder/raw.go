package encoder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"vidtap/internal/core/ports"
)

// RawSink writes the pull stream to disk without encoding: a small header
// followed by timestamped raw frames. Useful when ffmpeg is unavailable and
// as the deterministic sink for end-to-end tests. Audio, when present, lands
// in a sidecar PCM file next to the video output.
type RawSink struct {
	Output string
}

// rawMagic marks a raw capture file.
var rawMagic = [4]byte{'v', 't', 'a', 'p'}

// Run consumes frames until the video stream ends.
func (s *RawSink) Run(params ports.EncoderParams) error {
	vfmt := params.ReceiveVideoFormat()
	log := params.Logger

	f, err := os.Create(s.Output)
	if err != nil {
		return fmt.Errorf("create raw output %s: %w", s.Output, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	defer w.Flush()

	// Header: magic, dimensions, pitch, vflip.
	w.Write(rawMagic[:])
	binary.Write(w, binary.LittleEndian, vfmt.Width)
	binary.Write(w, binary.LittleEndian, vfmt.Height)
	binary.Write(w, binary.LittleEndian, vfmt.Pitch)
	var vflip uint32
	if vfmt.VFlip {
		vflip = 1
	}
	binary.Write(w, binary.LittleEndian, vflip)

	var audioWG sync.WaitGroup
	if params.HasAudio {
		audioWG.Add(1)
		go func() {
			defer audioWG.Done()
			s.drainAudio(params)
		}()
	}

	buf := make([]byte, vfmt.SlotSize())
	frames := 0
	for {
		n, ts := params.ReceiveVideoFrame(buf)
		if n == 0 {
			break
		}
		binary.Write(w, binary.LittleEndian, ts)
		w.Write(buf[:n])
		frames++
	}

	audioWG.Wait()
	log.Infow("raw sink finished", "output", s.Output, "frames", frames)
	return nil
}

func (s *RawSink) drainAudio(params ports.EncoderParams) {
	afmt := params.ReceiveAudioFormat()

	f, err := os.Create(s.Output + ".pcm")
	if err != nil {
		params.Logger.Warnw("create audio sidecar failed, discarding audio", "error", err)
		// Keep pulling so the receiver can always make progress.
		buf := make([]byte, 65536)
		for params.ReceiveAudioFrames(buf) > 0 {
		}
		return
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	bpf := afmt.BytesPerFrame()
	buf := make([]byte, 65536-65536%bpf)
	for {
		frames := params.ReceiveAudioFrames(buf)
		if frames == 0 {
			return
		}
		w.Write(buf[:frames*bpf])
	}
}
