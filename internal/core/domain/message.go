package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the payload of an Envelope.
type MessageType string

// Messages received from targets.
const (
	MessageHotkeyPressed        MessageType = "hotkey_pressed"
	MessageCaptureStop          MessageType = "capture_stop"
	MessageVideoSetup           MessageType = "video_setup"
	MessageVideoFrameCommitted  MessageType = "video_frame_committed"
	MessageAudioFramesCommitted MessageType = "audio_frames_committed"
	MessageSawBackend           MessageType = "saw_backend"
)

// Messages sent to targets.
const (
	MessageCaptureStart        MessageType = "capture_start"
	MessageVideoFrameProcessed MessageType = "video_frame_processed"
)

// Envelope is the tagged-union packet exchanged on a connection. It travels
// as one length-prefixed frame per message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ShmemSpec names a shared-memory object a target has created.
type ShmemSpec struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// AudioSetup describes in-band audio a target offers alongside video.
type AudioSetup struct {
	Channels   int       `json:"channels"`
	SampleRate int       `json:"sample_rate"`
	SampleFmt  string    `json:"sample_fmt"`
	Shmem      ShmemSpec `json:"shmem"`
}

// VideoSetup announces a ready-to-capture video stream.
type VideoSetup struct {
	Width    uint32      `json:"width"`
	Height   uint32      `json:"height"`
	PixFmt   string      `json:"pix_fmt"`
	VFlip    bool        `json:"vflip"`
	Linesize []uint32    `json:"linesize"`
	Shmem    ShmemSpec   `json:"shmem"`
	Audio    *AudioSetup `json:"audio,omitempty"`
}

// VideoFrameCommitted notifies that the target finished writing a ring slot.
type VideoFrameCommitted struct {
	Index     uint32 `json:"index"`
	Timestamp int64  `json:"timestamp"`
}

// AudioFramesCommitted notifies that the target wrote sample frames into its
// audio ring.
type AudioFramesCommitted struct {
	Offset uint32 `json:"offset"`
	Frames uint32 `json:"frames"`
}

// SawBackend identifies the graphics backend a target successfully hooked.
// The connection that sent it becomes the preferred capture target.
type SawBackend struct {
	Backend string `json:"backend"`
}

// CaptureStart asks a target to begin capturing.
type CaptureStart struct {
	FPS          uint32 `json:"fps"`
	SizeDivider  uint32 `json:"size_divider"`
	GPUColorConv bool   `json:"gpu_color_conv"`
}

// VideoFrameProcessed releases a ring slot back to the target.
type VideoFrameProcessed struct {
	Index uint32 `json:"index"`
}

// Encode marshals a message into a wire buffer.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", t, err)
	}
	return buf, nil
}

// Decode parses a wire buffer into an Envelope. The payload stays raw until
// the dispatcher knows which variant to expect.
func Decode(buf []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope carries no type")
	}
	return env, nil
}

// DecodePayload parses an envelope's payload into the given variant struct.
func DecodePayload(env Envelope, out interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return nil
}
