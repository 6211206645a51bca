package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vidtap/internal/core/domain"
	"vidtap/pkg/errors"
	"vidtap/pkg/utils"
)

// DefaultMaxFrameBytes bounds a single wire frame. Control messages are tiny;
// anything larger is a protocol violation.
const DefaultMaxFrameBytes = 1 << 20

// Connection is one framed message pipe to a target over a unix socket.
// Reads are length-prefixed (u32 little-endian) and owned by a single reader
// goroutine; writes are serialized internally and safe from any goroutine.
type Connection struct {
	id       string
	pipeName string

	conn     net.Conn
	maxFrame int

	writeMu sync.Mutex

	deadMu sync.Mutex
	dead   bool

	logger   *zap.SugaredLogger
	logLimit *rate.Limiter

	lenBuf [4]byte
}

// NewConnection wraps an established pipe, typically one accepted by a
// Listener.
func NewConnection(conn net.Conn, logger *zap.SugaredLogger) *Connection {
	// Unix peers usually have an unnamed remote address; the socket path is
	// the readable identity then.
	name := conn.RemoteAddr().String()
	if name == "" || name == "@" {
		name = conn.LocalAddr().String()
	}
	return &Connection{
		id:       utils.GenerateConnectionID(),
		pipeName: name,
		conn:     conn,
		maxFrame: DefaultMaxFrameBytes,
		logger:   logger,
		logLimit: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// SetMaxFrameBytes overrides the frame size guard.
func (c *Connection) SetMaxFrameBytes(n int) {
	if n > 0 {
		c.maxFrame = n
	}
}

// Connect establishes the pipe. Accepted connections are already established,
// so this only verifies the connection has not died.
func (c *Connection) Connect() error {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	if c.dead || c.conn == nil {
		return fmt.Errorf("connection %s is not connected", c.pipeName)
	}
	return nil
}

// Read blocks until one full frame is available and returns its payload.
// Every failure mode collapses to io.EOF: the connection is gone either way.
func (c *Connection) Read() ([]byte, error) {
	if c.isDead() {
		return nil, io.EOF
	}

	if _, err := io.ReadFull(c.conn, c.lenBuf[:]); err != nil {
		c.markDead(err)
		return nil, io.EOF
	}

	length := binary.LittleEndian.Uint32(c.lenBuf[:])
	if length == 0 || int(length) > c.maxFrame {
		c.logger.Warnw("frame length out of bounds, dropping connection",
			"pipe", c.pipeName, "length", length, "max", c.maxFrame)
		c.markDead(nil)
		c.conn.Close()
		return nil, io.EOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		c.markDead(err)
		return nil, io.EOF
	}

	return payload, nil
}

// Write atomically emits one length-prefixed message. Errors are logged
// (rate-limited: a dead target can fail thousands of acks) and returned;
// callers on the encoder path ignore them.
func (c *Connection) Write(t domain.MessageType, payload interface{}) error {
	buf, err := domain.Encode(t, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isDead() {
		return errors.WriteFailure("write to dead connection", nil).WithContext("pipe", c.pipeName)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(buf)))

	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		c.logWriteFailure(t, err)
		return errors.WriteFailure("write frame length", err)
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.logWriteFailure(t, err)
		return errors.WriteFailure("write frame payload", err)
	}
	return nil
}

func (c *Connection) logWriteFailure(t domain.MessageType, err error) {
	if c.logLimit.Allow() {
		c.logger.Warnw("write failed", "pipe", c.pipeName, "type", t, "error", err)
	}
}

// PipeName returns a human-readable identity for logs.
func (c *Connection) PipeName() string {
	return c.pipeName
}

// ID returns the unique connection identity.
func (c *Connection) ID() string {
	return c.id
}

// Close tears down the pipe, unblocking the reader.
func (c *Connection) Close() error {
	c.markDead(nil)
	return c.conn.Close()
}

func (c *Connection) isDead() bool {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	return c.dead
}

func (c *Connection) markDead(cause error) {
	c.deadMu.Lock()
	defer c.deadMu.Unlock()
	if c.dead {
		return
	}
	c.dead = true
	if cause != nil && cause != io.EOF {
		c.logger.Debugw("connection lost", "pipe", c.pipeName, "error", cause)
	}
}
