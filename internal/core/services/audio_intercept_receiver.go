package services

import (
	"go.uber.org/zap"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
	"vidtap/pkg/queue"
)

// AudioInterceptReceiver consumes in-band audio a target offers alongside
// video: the same bridge as VideoReceiver, over the target's audio ring.
// There is no acknowledgement message for audio; the target sizes its ring
// to absorb the encoder's worst-case lag.
type AudioInterceptReceiver struct {
	conn    ports.Connection
	afmt    domain.AudioFormat
	ring    ports.FrameRing
	pending *queue.Bounded[domain.AudioSpan]

	stopped *stopFlag
	logger  *zap.SugaredLogger
}

// audioSpanBuffer bounds how many committed spans may be queued ahead of the
// encoder before the dispatcher blocks.
const audioSpanBuffer = 16

// NewAudioInterceptReceiver maps the audio ring described by the setup
// message's audio sub-record.
func NewAudioInterceptReceiver(conn ports.Connection, setup domain.AudioSetup,
	openRing ports.RingOpener, logger *zap.SugaredLogger) (*AudioInterceptReceiver, error) {
	ring, err := openRing(setup.Shmem.Path, setup.Shmem.Size)
	if err != nil {
		return nil, err
	}

	return &AudioInterceptReceiver{
		conn: conn,
		afmt: domain.AudioFormat{
			Channels:   setup.Channels,
			SampleRate: setup.SampleRate,
			SampleFmt:  setup.SampleFmt,
		},
		ring:    ring,
		pending: queue.NewBounded[domain.AudioSpan](audioSpanBuffer),
		stopped: newStopFlag(),
		logger:  logger,
	}, nil
}

// ReceiveFormat returns the fixed audio format for the session.
func (r *AudioInterceptReceiver) ReceiveFormat() domain.AudioFormat {
	return r.afmt
}

// ReceiveFrames blocks until the target commits samples, copies them into
// buf and returns the number of sample frames. Returns 0 once stopped.
func (r *AudioInterceptReceiver) ReceiveFrames(buf []byte) int {
	var span domain.AudioSpan
	for {
		var ok bool
		span, ok = r.pending.TryWaitAndPop(pollInterval)
		if ok {
			break
		}
		if r.stopped.isSet() {
			return 0
		}
	}

	bpf := r.afmt.BytesPerFrame()
	frames := int(span.Frames)
	if max := len(buf) / bpf; frames > max {
		r.logger.Warnw("audio span larger than encoder buffer, truncating",
			"frames", frames, "max", max)
		frames = max
	}

	window, err := r.ring.Window(int(span.Offset)*bpf, frames*bpf)
	if err != nil {
		r.logger.Errorw("committed audio span outside ring, ending stream",
			"offset", span.Offset, "frames", frames, "error", err)
		return 0
	}
	copy(buf, window)

	return frames
}

// FramesCommitted enqueues a committed span. Called on the main loop
// goroutine; commits after Stop are dropped.
func (r *AudioInterceptReceiver) FramesCommitted(offset, frames uint32) {
	if r.stopped.isSet() {
		return
	}
	r.pending.Push(domain.AudioSpan{Offset: offset, Frames: frames})
}

// Stop makes the encoder's next timed wait observe end-of-stream.
func (r *AudioInterceptReceiver) Stop() {
	r.stopped.set()
}

// Close releases the ring mapping.
func (r *AudioInterceptReceiver) Close() error {
	return r.ring.Close()
}
