package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
	"vidtap/pkg/queue"
)

// pollInterval matches the capture path's cooperative-cancellation bound.
const pollInterval = 200 * time.Millisecond

// chunkBuffer bounds how many device callbacks may queue ahead of the
// encoder. The device callback drops chunks when the encoder lags this far
// behind; stale audio is worse than a gap.
const chunkBuffer = 64

// SystemReceiver captures system audio through a malgo device and exposes it
// with the same synchronous pull contract as the in-band receivers. It is
// the factory-built audio source used when a target offers no intercept.
type SystemReceiver struct {
	afmt domain.AudioFormat

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	chunks  *queue.Bounded[[]byte]
	partial []byte

	stopped  chan struct{}
	stopOnce sync.Once
	logger   *zap.SugaredLogger
}

// NewSystemReceiver opens the default capture device at the given format.
func NewSystemReceiver(sampleRate, channels int, logger *zap.SugaredLogger) (*SystemReceiver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	r := &SystemReceiver{
		afmt: domain.AudioFormat{
			Channels:   channels,
			SampleRate: sampleRate,
			SampleFmt:  "s16le",
		},
		ctx:     ctx,
		chunks:  queue.NewBounded[[]byte](chunkBuffer),
		stopped: make(chan struct{}),
		logger:  logger,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: r.onFrames,
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	r.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	logger.Infow("system audio capture started",
		"sample_rate", sampleRate, "channels", channels)
	return r, nil
}

// onFrames runs on the device thread. It must never block: a full queue
// means the encoder is lagging, and the chunk is dropped.
func (r *SystemReceiver) onFrames(_, input []byte, frameCount uint32) {
	if frameCount == 0 {
		return
	}
	select {
	case <-r.stopped:
		return
	default:
	}

	chunk := make([]byte, len(input))
	copy(chunk, input)
	if !r.chunks.TryPush(chunk) {
		r.logger.Debugw("audio chunk dropped, encoder lagging", "bytes", len(chunk))
	}
}

// ReceiveFormat returns the fixed capture format.
func (r *SystemReceiver) ReceiveFormat() domain.AudioFormat {
	return r.afmt
}

// ReceiveFrames blocks until captured samples are available, copies them into
// buf and returns the number of sample frames. Returns 0 once stopped.
func (r *SystemReceiver) ReceiveFrames(buf []byte) int {
	bpf := r.afmt.BytesPerFrame()

	data := r.partial
	r.partial = nil

	for data == nil {
		chunk, ok := r.chunks.TryWaitAndPop(pollInterval)
		if ok {
			data = chunk
			break
		}
		select {
		case <-r.stopped:
			return 0
		default:
		}
	}

	n := copy(buf, data)
	n -= n % bpf
	if n < len(data) {
		r.partial = data[n:]
	}
	return n / bpf
}

// FramesCommitted is part of the AudioReceiver contract; a system source has
// no in-band commits to consume.
func (r *SystemReceiver) FramesCommitted(offset, frames uint32) {}

// Stop halts the device and unblocks the encoder. Idempotent.
func (r *SystemReceiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)

		if r.device != nil {
			r.device.Uninit()
		}
		if r.ctx != nil {
			r.ctx.Uninit()
			r.ctx.Free()
		}
		r.logger.Infow("system audio capture stopped")
	})
}

// Factory adapts NewSystemReceiver into the injection point the main loop
// expects. The factory errors at session setup when the platform has no
// capture device; the session then proceeds without audio.
func Factory(sampleRate, channels int, logger *zap.SugaredLogger) ports.AudioReceiverFactory {
	return func() (ports.AudioReceiver, error) {
		return NewSystemReceiver(sampleRate, channels, logger)
	}
}
