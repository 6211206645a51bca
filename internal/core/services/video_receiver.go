package services

import (
	"time"

	"go.uber.org/zap"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
	"vidtap/pkg/queue"
)

// pollInterval bounds every timed wait in the capture path. Cancellation is
// cooperative: a stopped receiver is observed at the next tick.
const pollInterval = 200 * time.Millisecond

// VideoReceiver bridges the asynchronous frame-commit stream dispatched by
// the main loop into the synchronous pull interface the encoder requires.
//
// FrameCommitted runs on the main loop goroutine; ReceiveFormat and
// ReceiveFrame run on the encoder goroutine; Stop may run on either.
type VideoReceiver struct {
	conn    ports.Connection
	vfmt    domain.VideoFormat
	ring    ports.FrameRing
	pending *queue.Bounded[domain.FrameInfo]

	stopped *stopFlag

	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

// NewVideoReceiver binds a receiver to the connection that announced the
// stream. The connection is not owned: the main loop keeps it alive for at
// least as long as the session.
func NewVideoReceiver(conn ports.Connection, vfmt domain.VideoFormat, ring ports.FrameRing,
	bufferedFrames int, metrics ports.Metrics, logger *zap.SugaredLogger) *VideoReceiver {
	return &VideoReceiver{
		conn:    conn,
		vfmt:    vfmt,
		ring:    ring,
		pending: queue.NewBounded[domain.FrameInfo](bufferedFrames),
		stopped: newStopFlag(),
		metrics: metrics,
		logger:  logger,
	}
}

// ReceiveFormat returns the fixed format captured at session setup.
func (r *VideoReceiver) ReceiveFormat() domain.VideoFormat {
	return r.vfmt
}

// ReceiveFrame blocks until a committed frame is available, copies it from
// the shared ring into buf, acknowledges the slot to the target and returns
// the byte count with the frame timestamp. Returns 0 once stopped.
func (r *VideoReceiver) ReceiveFrame(buf []byte) (int, int64) {
	var info domain.FrameInfo
	for {
		var ok bool
		info, ok = r.pending.TryWaitAndPop(pollInterval)
		if ok {
			break
		}
		if r.stopped.isSet() {
			return 0, 0
		}
	}

	slot, err := r.ring.Slot(info.Index, len(buf))
	if err != nil {
		r.logger.Errorw("committed frame outside ring, ending stream",
			"index", info.Index, "error", err)
		return 0, 0
	}
	copy(buf, slot)

	// Release the slot so the target can reuse it. A failed ack means the
	// target is gone; the reader will surface that shortly.
	_ = r.conn.Write(domain.MessageVideoFrameProcessed, domain.VideoFrameProcessed{Index: info.Index})
	r.metrics.FrameAcked()

	return len(buf), info.Timestamp
}

// FrameCommitted enqueues a committed slot for the encoder. Called on the
// main loop goroutine; commits arriving after Stop are dropped silently.
func (r *VideoReceiver) FrameCommitted(index uint32, timestamp int64) {
	if r.stopped.isSet() {
		r.metrics.FrameDropped()
		return
	}
	r.pending.Push(domain.FrameInfo{Index: index, Timestamp: timestamp})
	r.metrics.FrameReceived()
}

// Stop makes the encoder's next timed wait observe end-of-stream. Frames
// already pending may still be drained before the 0 is reported.
func (r *VideoReceiver) Stop() {
	r.stopped.set()
}

// Close releases the ring mapping. Only the owning session calls it, after
// the encoder has returned.
func (r *VideoReceiver) Close() error {
	return r.ring.Close()
}
