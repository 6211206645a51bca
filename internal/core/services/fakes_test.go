package services

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"go.uber.org/zap"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeConn is an in-memory ports.Connection scripted by tests: inbound frames
// are fed through a channel, outbound messages are recorded.
type fakeConn struct {
	id       string
	name     string
	incoming chan []byte

	mu     sync.Mutex
	writes []sentMessage

	closeOnce sync.Once
	closed    chan struct{}
}

type sentMessage struct {
	Type    domain.MessageType
	Payload []byte
}

func newFakeConn(name string) *fakeConn {
	return &fakeConn{
		id:       "conn_" + name,
		name:     name,
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Connect() error { return nil }

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case buf, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return buf, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Write(t domain.MessageType, payload interface{}) error {
	buf, err := domain.Encode(t, payload)
	if err != nil {
		return err
	}
	env, _ := domain.Decode(buf)

	c.mu.Lock()
	c.writes = append(c.writes, sentMessage{Type: t, Payload: env.Payload})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) PipeName() string { return c.name }
func (c *fakeConn) ID() string       { return c.id }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// send scripts one inbound message.
func (c *fakeConn) send(t *testing.T, typ domain.MessageType, payload interface{}) {
	t.Helper()
	buf, err := domain.Encode(typ, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	c.incoming <- buf
}

// sent returns a snapshot of recorded outbound messages.
func (c *fakeConn) sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentMessage, len(c.writes))
	copy(out, c.writes)
	return out
}

// sentOfType filters recorded messages by type.
func (c *fakeConn) sentOfType(typ domain.MessageType) []sentMessage {
	var out []sentMessage
	for _, m := range c.sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// ackedIndices decodes the indices of recorded VideoFrameProcessed messages,
// in write order.
func (c *fakeConn) ackedIndices(t *testing.T) []uint32 {
	t.Helper()
	var out []uint32
	for _, m := range c.sentOfType(domain.MessageVideoFrameProcessed) {
		var vfp domain.VideoFrameProcessed
		if err := domain.DecodePayload(domain.Envelope{
			Type: m.Type, Payload: m.Payload,
		}, &vfp); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		out = append(out, vfp.Index)
	}
	return out
}

// fakeRing is an in-memory ports.FrameRing.
type fakeRing struct {
	data   []byte
	mu     sync.Mutex
	closed bool
}

func newFakeRing(size int) *fakeRing {
	return &fakeRing{data: make([]byte, size)}
}

// fillSlot paints one slot with a recognizable byte value.
func (r *fakeRing) fillSlot(index uint32, slotSize int, value byte) {
	start := int(index) * slotSize
	for i := 0; i < slotSize; i++ {
		r.data[start+i] = value
	}
}

func (r *fakeRing) Slot(index uint32, slotSize int) ([]byte, error) {
	return r.Window(int(index)*slotSize, slotSize)
}

func (r *fakeRing) Window(offset, length int) ([]byte, error) {
	if offset < 0 || length <= 0 || offset+length > len(r.data) {
		return nil, fmt.Errorf("window %d+%d out of range %d", offset, length, len(r.data))
	}
	return r.data[offset : offset+length], nil
}

func (r *fakeRing) Size() int { return len(r.data) }

func (r *fakeRing) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// ringOpenerFor returns a ports.RingOpener serving pre-built rings by path.
func ringOpenerFor(rings map[string]*fakeRing) ports.RingOpener {
	return func(path string, size uint64) (ports.FrameRing, error) {
		ring, ok := rings[path]
		if !ok {
			return nil, fmt.Errorf("no shared memory object at %s", path)
		}
		return ring, nil
	}
}

// capturedFrame is one frame observed by the collecting encoder.
type capturedFrame struct {
	FirstByte byte
	Size      int
	Timestamp int64
}

// collectEncoder is a ports.Encoder that records everything it pulls.
type collectEncoder struct {
	mu          sync.Mutex
	frames      []capturedFrame
	audioFrames int
	hasAudio    bool
	runs        int
}

func (e *collectEncoder) Run(params ports.EncoderParams) error {
	e.mu.Lock()
	e.runs++
	e.hasAudio = params.HasAudio
	e.mu.Unlock()

	var wg sync.WaitGroup
	if params.HasAudio {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 65536)
			for {
				n := params.ReceiveAudioFrames(buf)
				if n == 0 {
					return
				}
				e.mu.Lock()
				e.audioFrames += n
				e.mu.Unlock()
			}
		}()
	}

	vfmt := params.ReceiveVideoFormat()
	buf := make([]byte, vfmt.SlotSize())
	for {
		n, ts := params.ReceiveVideoFrame(buf)
		if n == 0 {
			break
		}
		e.mu.Lock()
		e.frames = append(e.frames, capturedFrame{FirstByte: buf[0], Size: n, Timestamp: ts})
		e.mu.Unlock()
	}

	wg.Wait()
	return nil
}

func (e *collectEncoder) captured() []capturedFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]capturedFrame, len(e.frames))
	copy(out, e.frames)
	return out
}

func (e *collectEncoder) runCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func (e *collectEncoder) sawAudio() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasAudio
}

func (e *collectEncoder) audioFrameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioFrames
}
