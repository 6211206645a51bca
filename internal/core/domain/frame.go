package domain

// FrameInfo identifies one committed slot of a video frame ring.
type FrameInfo struct {
	Index     uint32
	Timestamp int64 // nanoseconds
}

// AudioSpan identifies a committed run of sample frames in an audio ring.
type AudioSpan struct {
	Offset uint32
	Frames uint32
}

// VideoFormat is fixed for a session's lifetime.
type VideoFormat struct {
	Width  uint32
	Height uint32
	PixFmt string
	VFlip  bool
	Pitch  uint32 // bytes per row, first linesize of the setup message
}

// SlotSize returns the byte size of one ring slot.
func (f VideoFormat) SlotSize() int {
	return int(f.Pitch) * int(f.Height)
}

// AudioFormat is fixed for a session's lifetime.
type AudioFormat struct {
	Channels   int
	SampleRate int
	SampleFmt  string // "s16le" or "f32le"
}

// BytesPerFrame returns the byte size of one interleaved sample frame.
func (f AudioFormat) BytesPerFrame() int {
	switch f.SampleFmt {
	case "f32le":
		return 4 * f.Channels
	default: // s16le
		return 2 * f.Channels
	}
}
