package ports

import (
	"vidtap/internal/core/domain"

	"go.uber.org/zap"
)

// EncoderParams exposes a session's receivers to the encoder as synchronous
// pull functions. The encoder runs until ReceiveVideoFrame returns 0.
type EncoderParams struct {
	// ReceiveVideoFormat returns the fixed video format.
	ReceiveVideoFormat func() domain.VideoFormat

	// ReceiveVideoFrame blocks for the next frame, copies it into buf (which
	// must be SlotSize bytes) and returns the byte count plus the frame
	// timestamp. A zero count is the end-of-stream signal.
	ReceiveVideoFrame func(buf []byte) (int, int64)

	// HasAudio reports whether the audio pull functions are usable.
	HasAudio bool

	ReceiveAudioFormat func() domain.AudioFormat
	ReceiveAudioFrames func(buf []byte) int

	Logger *zap.SugaredLogger
}

// Encoder consumes a capture session as a pull stream. Implementations own
// their error reporting; Run returning is the only signal the session needs.
type Encoder interface {
	Run(params EncoderParams) error
}
