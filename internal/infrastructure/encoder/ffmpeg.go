package encoder

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
)

// FFmpeg encodes the pull stream by piping raw video into an ffmpeg child
// process. Audio, when present, is fed through a fifo as a second input so
// ffmpeg muxes both into the output container.
type FFmpeg struct {
	Bin    string // ffmpeg binary, usually just "ffmpeg"
	Output string
	FPS    int
}

// pixelFormat maps wire pixel format names onto ffmpeg's rawvideo names.
func pixelFormat(name string) string {
	switch name {
	case "rgba":
		return "rgba"
	case "bgra":
		return "bgra"
	case "rgb24":
		return "rgb24"
	case "yuv420p":
		return "yuv420p"
	default:
		// Unknown formats pass through; ffmpeg reports them better than we can.
		return name
	}
}

// Run consumes frames until the video stream ends, then waits for ffmpeg to
// finalize the container.
func (e *FFmpeg) Run(params ports.EncoderParams) error {
	vfmt := params.ReceiveVideoFormat()
	log := params.Logger

	bin := e.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "rawvideo",
		"-pixel_format", pixelFormat(vfmt.PixFmt),
		"-video_size", fmt.Sprintf("%dx%d", vfmt.Width, vfmt.Height),
		"-framerate", strconv.Itoa(e.FPS),
		"-i", "pipe:0",
	}

	var afmt domain.AudioFormat
	var audioFifo string
	if params.HasAudio {
		afmt = params.ReceiveAudioFormat()
		fifo, err := makeAudioFifo(e.Output)
		if err != nil {
			log.Warnw("audio fifo unavailable, encoding without audio", "error", err)
		} else {
			audioFifo = fifo
			defer os.Remove(audioFifo)
			args = append(args,
				"-f", audioSampleFormat(afmt),
				"-ar", strconv.Itoa(afmt.SampleRate),
				"-ac", strconv.Itoa(afmt.Channels),
				"-i", audioFifo,
			)
		}
	}

	if vfmt.VFlip {
		args = append(args, "-vf", "vflip")
	}
	args = append(args, "-y", e.Output)

	cmd := exec.Command(bin, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}
	log.Infow("ffmpeg started", "output", e.Output, "args", args)

	var audioWG sync.WaitGroup
	if audioFifo != "" {
		audioWG.Add(1)
		go func() {
			defer audioWG.Done()
			e.pumpAudio(params, afmt, audioFifo)
		}()
	} else if params.HasAudio {
		// Still drain the receiver so Stop can't strand it mid-pull.
		audioWG.Add(1)
		go func() {
			defer audioWG.Done()
			buf := make([]byte, 65536)
			for params.ReceiveAudioFrames(buf) > 0 {
			}
		}()
	}

	buf := make([]byte, vfmt.SlotSize())
	frames := 0
	for {
		n, _ := params.ReceiveVideoFrame(buf)
		if n == 0 {
			break
		}
		if _, err := stdin.Write(buf[:n]); err != nil {
			log.Errorw("ffmpeg pipe broken, stopping", "error", err)
			break
		}
		frames++
	}

	stdin.Close()
	audioWG.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w", err)
	}
	log.Infow("ffmpeg finished", "output", e.Output, "frames", frames)
	return nil
}

func (e *FFmpeg) pumpAudio(params ports.EncoderParams, afmt domain.AudioFormat, fifo string) {
	// Opening the write end blocks until ffmpeg opens the read end.
	f, err := os.OpenFile(fifo, os.O_WRONLY, 0)
	if err != nil {
		params.Logger.Warnw("open audio fifo failed, discarding audio", "error", err)
		buf := make([]byte, 65536)
		for params.ReceiveAudioFrames(buf) > 0 {
		}
		return
	}
	defer f.Close()

	bpf := afmt.BytesPerFrame()
	buf := make([]byte, 65536-65536%bpf)
	for {
		frames := params.ReceiveAudioFrames(buf)
		if frames == 0 {
			return
		}
		if _, err := f.Write(buf[:frames*bpf]); err != nil {
			if err != io.ErrClosedPipe {
				params.Logger.Debugw("audio fifo write failed", "error", err)
			}
			return
		}
	}
}

func audioSampleFormat(afmt domain.AudioFormat) string {
	if afmt.SampleFmt == "f32le" {
		return "f32le"
	}
	return "s16le"
}

func makeAudioFifo(output string) (string, error) {
	fifo := filepath.Join(filepath.Dir(output), ".vidtap-audio.fifo")
	os.Remove(fifo)
	if err := unix.Mkfifo(fifo, 0o600); err != nil {
		return "", fmt.Errorf("mkfifo %s: %w", fifo, err)
	}
	return fifo, nil
}
