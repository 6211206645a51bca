package services

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
	"vidtap/pkg/errors"
	"vidtap/pkg/queue"
)

// CaptureSettings are the knobs forwarded to targets on CaptureStart and
// applied when building a session.
type CaptureSettings struct {
	FPS            int
	SizeDivider    int
	GPUColorConv   bool
	BufferedFrames int
	NoAudio        bool
}

// loopMessage is one wire frame paired with the connection it arrived on.
type loopMessage struct {
	conn ports.Connection
	buf  []byte
}

// MainLoop is the central arbiter: it owns every connection, serializes all
// incoming control messages into one event stream, and owns the lifecycle of
// the single active capture session.
//
// All dispatch happens on the goroutine that calls Run. Per-connection reader
// goroutines only touch the event queue and the connection list.
type MainLoop struct {
	settings CaptureSettings

	events *queue.Bounded[loopMessage]

	connsMu       sync.Mutex
	conns         []ports.Connection
	bestConn      ports.Connection
	everConnected bool
	shutdown      bool

	session     *Session
	oldSessions []*Session

	openRing     ports.RingOpener
	newEncoder   func() ports.Encoder
	audioFactory ports.AudioReceiverFactory

	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

// NewMainLoop wires the arbiter. audioFactory may be nil (no system audio
// source available); newEncoder is called once per session.
func NewMainLoop(settings CaptureSettings, queueCapacity int, openRing ports.RingOpener,
	newEncoder func() ports.Encoder, audioFactory ports.AudioReceiverFactory,
	metrics ports.Metrics, logger *zap.SugaredLogger) *MainLoop {
	if settings.BufferedFrames <= 0 {
		settings.BufferedFrames = 3
	}
	return &MainLoop{
		settings:     settings,
		events:       queue.NewBounded[loopMessage](queueCapacity),
		openRing:     openRing,
		newEncoder:   newEncoder,
		audioFactory: audioFactory,
		metrics:      metrics,
		logger:       logger,
	}
}

// AddConnection registers a target pipe and spawns its reader goroutine.
func (m *MainLoop) AddConnection(conn ports.Connection) {
	m.logger.Infow("adding connection", "conn_id", conn.ID(), "pipe", conn.PipeName())

	m.connsMu.Lock()
	m.conns = append(m.conns, conn)
	m.everConnected = true
	m.connsMu.Unlock()
	m.metrics.ConnectionAdded()

	go m.pollConnection(conn)
}

// pollConnection reads frames until end-of-stream, feeding the event queue.
// The reader never deletes the connection value: buffers still queued keep
// referring to it, and a live session may be acking on it.
func (m *MainLoop) pollConnection(conn ports.Connection) {
	if err := conn.Connect(); err != nil {
		m.logger.Warnw("could not open connection, bailing out",
			"pipe", conn.PipeName(), "error", err)
		m.removeConnection(conn)
		return
	}

	for {
		buf, err := conn.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			m.logger.Warnw("read failed", "pipe", conn.PipeName(), "error", err)
			break
		}
		m.events.Push(loopMessage{conn: conn, buf: buf})
		m.metrics.EventQueueDepth(m.events.Len())
	}

	m.logger.Infow("culling connection", "conn_id", conn.ID(), "pipe", conn.PipeName())
	m.removeConnection(conn)
}

func (m *MainLoop) removeConnection(conn ports.Connection) {
	m.connsMu.Lock()
	for i, c := range m.conns {
		if c == conn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	// A dead preferred connection must not swallow the next CaptureStart.
	if m.bestConn == conn {
		m.bestConn = nil
	}
	m.connsMu.Unlock()
	m.metrics.ConnectionRemoved()
}

// Run pumps the event queue until every connection is gone, then tears the
// session hierarchy down. Termination is signalled by connection closure, not
// by a message, hence the timed pop.
func (m *MainLoop) Run() {
	for {
		msg, ok := m.events.TryWaitAndPop(pollInterval)
		if !ok {
			m.connsMu.Lock()
			// "No connections left" only means something once a target has
			// attached; before that, an empty list is just startup.
			done := len(m.conns) == 0 && (m.everConnected || m.shutdown)
			m.connsMu.Unlock()
			if done {
				m.logger.Infow("no connections left, quitting")
				break
			}
			continue
		}

		m.dispatch(msg.conn, msg.buf)
	}

	m.logger.Infow("ending session")
	m.EndSession()
	m.logger.Infow("joining sessions")
	m.JoinSessions()
	m.events.Close()
}

// dispatch routes one wire frame. Runs only on the Run goroutine.
func (m *MainLoop) dispatch(conn ports.Connection, buf []byte) {
	env, err := domain.Decode(buf)
	if err != nil {
		m.logger.Warnw("undecodable message, discarding", "pipe", conn.PipeName(), "error", err)
		return
	}

	switch env.Type {
	case domain.MessageHotkeyPressed:
		if err := m.CaptureFlip(); err != nil {
			m.logger.Warnw("capture flip failed", "pipe", conn.PipeName(), "error", err)
		}

	case domain.MessageCaptureStop:
		m.CaptureStop()

	case domain.MessageVideoSetup:
		var vs domain.VideoSetup
		if err := domain.DecodePayload(env, &vs); err != nil {
			m.logger.Warnw("bad video setup, discarding", "pipe", conn.PipeName(), "error", err)
			return
		}
		if err := m.StartSession(vs, conn); err != nil {
			m.logger.Warnw("ignoring video setup", "pipe", conn.PipeName(), "error", err)
		}

	case domain.MessageVideoFrameCommitted:
		var vfc domain.VideoFrameCommitted
		if err := domain.DecodePayload(env, &vfc); err != nil {
			m.logger.Warnw("bad frame commit, discarding", "pipe", conn.PipeName(), "error", err)
			return
		}
		if m.session != nil {
			m.session.FrameCommitted(vfc.Index, vfc.Timestamp)
		}

	case domain.MessageAudioFramesCommitted:
		var afc domain.AudioFramesCommitted
		if err := domain.DecodePayload(env, &afc); err != nil {
			m.logger.Warnw("bad audio commit, discarding", "pipe", conn.PipeName(), "error", err)
			return
		}
		if m.session != nil {
			m.session.AudioFramesCommitted(afc.Offset, afc.Frames)
		}

	case domain.MessageSawBackend:
		var sb domain.SawBackend
		if err := domain.DecodePayload(env, &sb); err != nil {
			m.logger.Warnw("bad backend announcement, discarding", "pipe", conn.PipeName(), "error", err)
			return
		}
		m.logger.Infow("saw backend", "backend", sb.Backend, "pipe", conn.PipeName())
		m.connsMu.Lock()
		m.bestConn = conn
		m.connsMu.Unlock()

	default:
		m.logger.Warnw("received unknown message type, not sure what to do",
			"type", env.Type, "pipe", conn.PipeName())
	}
}

// CaptureFlip toggles capture: starts when idle, stops when running.
func (m *MainLoop) CaptureFlip() error {
	if m.session != nil {
		m.CaptureStop()
		return nil
	}
	return m.CaptureStart()
}

// CaptureStart asks the preferred target to begin capturing. A session is not
// created here; it appears when the target answers with VideoSetup.
func (m *MainLoop) CaptureStart() error {
	m.connsMu.Lock()
	conn := m.bestConn
	if conn == nil && len(m.conns) > 0 {
		// No backend announcement yet: first connection in insertion order.
		conn = m.conns[0]
	}
	m.connsMu.Unlock()

	if conn == nil {
		return domain.ErrNoConnections
	}

	m.logger.Infow("sending capture start", "pipe", conn.PipeName())
	if err := conn.Write(domain.MessageCaptureStart, domain.CaptureStart{
		FPS:          uint32(m.settings.FPS),
		SizeDivider:  uint32(m.settings.SizeDivider),
		GPUColorConv: m.settings.GPUColorConv,
	}); err != nil {
		m.logger.Warnw("capture start not delivered", "pipe", conn.PipeName(), "error", err)
	}
	return nil
}

// CaptureStop ends the active session and tells every target to stop.
func (m *MainLoop) CaptureStop() {
	m.EndSession()

	m.connsMu.Lock()
	conns := make([]ports.Connection, len(m.conns))
	copy(conns, m.conns)
	m.connsMu.Unlock()

	for _, conn := range conns {
		m.logger.Infow("sending capture stop", "pipe", conn.PipeName())
		if err := conn.Write(domain.MessageCaptureStop, nil); err != nil {
			m.logger.Warnw("capture stop not delivered", "pipe", conn.PipeName(), "error", err)
		}
	}
}

// EndSession moves the active session to the deferred-join list and stops it.
// Joining happens at shutdown so this never blocks on the encoder.
func (m *MainLoop) EndSession() {
	if m.session == nil {
		m.logger.Debugw("no session to end")
		return
	}

	old := m.session
	m.session = nil
	old.Stop()
	m.oldSessions = append(m.oldSessions, old)
	m.metrics.SessionEnded()
}

// JoinSessions drains the deferred-join list.
func (m *MainLoop) JoinSessions() {
	m.logger.Infow("joining sessions", "count", len(m.oldSessions))
	for _, s := range m.oldSessions {
		s.Join()
	}
	m.logger.Infow("joined all sessions")
}

// StartSession builds a session from a target's VideoSetup. A rejected setup
// is reported to the caller, which logs and drops it; the loop keeps running.
func (m *MainLoop) StartSession(vs domain.VideoSetup, conn ports.Connection) error {
	if m.session != nil {
		return domain.ErrSessionActive
	}
	if vs.Width == 0 || vs.Height == 0 || len(vs.Linesize) == 0 || vs.Linesize[0] == 0 {
		return domain.ErrZeroDimensions
	}

	m.logger.Infow("setting up session", "pipe", conn.PipeName(),
		"width", vs.Width, "height", vs.Height, "pix_fmt", vs.PixFmt)

	vfmt := domain.VideoFormat{
		Width:  vs.Width,
		Height: vs.Height,
		PixFmt: vs.PixFmt,
		VFlip:  vs.VFlip,
		// TODO: support per-plane linesizes for planar formats
		Pitch: vs.Linesize[0],
	}

	ring, err := m.openRing(vs.Shmem.Path, vs.Shmem.Size)
	if err != nil {
		return errors.SetupFailure("could not open shared memory ring", err).
			WithContext("path", vs.Shmem.Path)
	}

	video := NewVideoReceiver(conn, vfmt, ring, m.settings.BufferedFrames, m.metrics, m.logger)

	var audio ports.AudioReceiver
	if m.settings.NoAudio {
		m.logger.Infow("audio capture disabled by configuration")
	} else if vs.Audio != nil {
		audio, err = NewAudioInterceptReceiver(conn, *vs.Audio, m.openRing, m.logger)
		if err != nil {
			m.logger.Errorw("could not open audio ring, continuing without audio",
				"path", vs.Audio.Shmem.Path, "error", err)
			audio = nil
		}
	} else if m.audioFactory != nil {
		m.logger.Infow("no audio intercept, trying factory")
		audio, err = m.audioFactory()
		if err != nil {
			m.logger.Errorw("audio factory failed, continuing without audio", "error", err)
			audio = nil
		}
	} else {
		m.logger.Infow("no audio intercept or factory, no audio")
	}

	m.session = NewSession(video, audio, m.newEncoder(), m.logger)
	m.metrics.SessionStarted()
	m.session.Start()
	return nil
}

// Shutdown closes every connection, which unblocks their readers and lets
// Run terminate within one poll interval. Safe from any goroutine.
func (m *MainLoop) Shutdown() {
	m.connsMu.Lock()
	m.shutdown = true
	conns := make([]ports.Connection, len(m.conns))
	copy(conns, m.conns)
	m.connsMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// ConnectionCount reports how many targets are attached.
func (m *MainLoop) ConnectionCount() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.conns)
}
