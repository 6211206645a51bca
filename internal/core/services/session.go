package services

import (
	"sync"

	"go.uber.org/zap"

	"vidtap/internal/core/ports"
	"vidtap/pkg/utils"
)

// Session owns one capture attempt end-to-end: a video receiver, an optional
// audio receiver, and the encoder goroutine consuming both. At most one
// session is running at a time; stopped sessions wait in the main loop's
// old-sessions list until joined.
type Session struct {
	id    string
	video *VideoReceiver
	audio ports.AudioReceiver
	enc   ports.Encoder

	done     chan struct{}
	startOne sync.Once
	stopOne  sync.Once

	logger *zap.SugaredLogger
}

// NewSession bundles receivers with the encoder that will consume them.
// audio may be nil.
func NewSession(video *VideoReceiver, audio ports.AudioReceiver, enc ports.Encoder,
	logger *zap.SugaredLogger) *Session {
	id := utils.GenerateSessionID()
	return &Session{
		id:     id,
		video:  video,
		audio:  audio,
		enc:    enc,
		done:   make(chan struct{}),
		logger: logger.With("session_id", id),
	}
}

// ID returns the session identity for logs.
func (s *Session) ID() string {
	return s.id
}

// Start launches the encoder goroutine. Called exactly once.
func (s *Session) Start() {
	s.startOne.Do(func() {
		go s.runEncoder()
	})
}

func (s *Session) runEncoder() {
	defer close(s.done)

	params := ports.EncoderParams{
		ReceiveVideoFormat: s.video.ReceiveFormat,
		ReceiveVideoFrame:  s.video.ReceiveFrame,
		Logger:             s.logger,
	}
	if s.audio != nil {
		params.HasAudio = true
		params.ReceiveAudioFormat = s.audio.ReceiveFormat
		params.ReceiveAudioFrames = s.audio.ReceiveFrames
	}

	s.logger.Infow("encoder starting", "has_audio", params.HasAudio)
	if err := s.enc.Run(params); err != nil {
		s.logger.Errorw("encoder returned with error", "error", err)
	} else {
		s.logger.Infow("encoder finished")
	}

	// The encoder has stopped pulling; the ring mappings can go now.
	if err := s.video.Close(); err != nil {
		s.logger.Warnw("closing video ring", "error", err)
	}
	if closer, ok := s.audio.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warnw("closing audio receiver", "error", err)
		}
	}
}

// Stop unblocks the encoder without waiting for it. Idempotent.
func (s *Session) Stop() {
	s.stopOne.Do(func() {
		s.logger.Infow("stopping session")
		s.video.Stop()
		if s.audio != nil {
			s.audio.Stop()
		}
	})
}

// Join blocks until the encoder goroutine has returned. Idempotent.
func (s *Session) Join() {
	<-s.done
}

// FrameCommitted forwards a video commit into the live receiver.
func (s *Session) FrameCommitted(index uint32, timestamp int64) {
	s.video.FrameCommitted(index, timestamp)
}

// AudioFramesCommitted forwards an audio commit, if this session has in-band
// audio. Factory receivers ignore commits by contract.
func (s *Session) AudioFramesCommitted(offset, frames uint32) {
	if s.audio != nil {
		s.audio.FramesCommitted(offset, frames)
	}
}

// Conn returns the connection this session was created from.
func (s *Session) Conn() ports.Connection {
	return s.video.conn
}
