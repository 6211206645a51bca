package ports

import "vidtap/internal/core/domain"

// AudioReceiver bridges an asynchronous audio source into the synchronous
// pull interface the encoder consumes. Implementations: the in-band intercept
// receiver and the system-audio factory receiver.
type AudioReceiver interface {
	// ReceiveFormat returns the fixed audio format for the session.
	ReceiveFormat() domain.AudioFormat

	// ReceiveFrames blocks until sample frames are available, copies them
	// into buf and returns the number of frames. Returns 0 once stopped.
	ReceiveFrames(buf []byte) int

	// FramesCommitted is called from the event dispatcher when the target
	// announces new in-band samples. Factory receivers ignore it.
	FramesCommitted(offset, frames uint32)

	// Stop makes ReceiveFrames return 0 once samples already queued have been
	// handed out. Idempotent.
	Stop()
}

// AudioReceiverFactory builds an AudioReceiver from an external source, used
// when a target offers no in-band audio. A nil factory means no audio.
type AudioReceiverFactory func() (AudioReceiver, error)
