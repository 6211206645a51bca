package ports

import "vidtap/internal/core/domain"

// Connection is one framed, bidirectional pipe to an instrumented target.
// Identity is the value itself; two connections may share a pipe name after
// a reconnect.
type Connection interface {
	// Connect establishes the pipe. On failure the connection is marked
	// not-connected and Read returns end-of-stream.
	Connect() error

	// Read blocks until a full frame arrives and returns ownership of the
	// payload. Any I/O error ends the stream: that call and every later call
	// return io.EOF.
	Read() ([]byte, error)

	// Write atomically emits one length-prefixed message. Safe from any
	// goroutine. Errors are logged by the implementation and returned for
	// callers that care; writers to a dead target must not be killed by them.
	Write(t domain.MessageType, payload interface{}) error

	// PipeName is a human-readable identity for logs.
	PipeName() string

	// ID is a unique identity for logs and metrics.
	ID() string

	// Close tears down the underlying pipe, unblocking any reader.
	Close() error
}

// FrameRing is a read-only view into a target's shared-memory frame ring.
type FrameRing interface {
	// Slot returns the byte window of one slot. The returned slice aliases
	// the mapping and is valid until Close.
	Slot(index uint32, slotSize int) ([]byte, error)

	// Window returns an arbitrary byte range of the mapping, for rings whose
	// commits are addressed in offsets rather than whole slots.
	Window(offset, length int) ([]byte, error)

	// Size returns the total mapped size in bytes.
	Size() int

	// Close releases the mapping.
	Close() error
}

// RingOpener maps the shared-memory object named by a setup message.
type RingOpener func(path string, size uint64) (FrameRing, error)
