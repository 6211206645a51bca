package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vidtap/internal/core/domain"
	"vidtap/internal/core/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type loopFixture struct {
	loop    *MainLoop
	enc     *collectEncoder
	rings   map[string]*fakeRing
	runDone chan struct{}
}

func newLoopFixture(t *testing.T, settings CaptureSettings, factory ports.AudioReceiverFactory) *loopFixture {
	t.Helper()

	f := &loopFixture{
		enc:     &collectEncoder{},
		rings:   map[string]*fakeRing{},
		runDone: make(chan struct{}),
	}
	f.loop = NewMainLoop(settings, 64, ringOpenerFor(f.rings),
		func() ports.Encoder { return f.enc }, factory, ports.NopMetrics{}, testLogger())
	return f
}

func defaultSettings() CaptureSettings {
	return CaptureSettings{FPS: 60, SizeDivider: 1, BufferedFrames: 3}
}

// addVideoRing registers a 3-slot ring whose slots carry distinct bytes.
func (f *loopFixture) addVideoRing(path string) {
	vfmt := testVideoFormat()
	ring := newFakeRing(testSlots * vfmt.SlotSize())
	for i := uint32(0); i < testSlots; i++ {
		ring.fillSlot(i, vfmt.SlotSize(), byte(i+1))
	}
	f.rings[path] = ring
}

func (f *loopFixture) run() {
	go func() {
		f.loop.Run()
		close(f.runDone)
	}()
}

func (f *loopFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("main loop did not terminate")
	}
}

func validSetup(shmPath string) domain.VideoSetup {
	return domain.VideoSetup{
		Width:    testWidth,
		Height:   testHeight,
		PixFmt:   "bgra",
		Linesize: []uint32{testPitch},
		Shmem:    domain.ShmemSpec{Path: shmPath, Size: testSlots * testPitch * testHeight},
	}
}

func TestRun_HappyPath(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)
	f.addVideoRing("ring-a")

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	conn.send(t, domain.MessageSawBackend, domain.SawBackend{Backend: "vulkan"})
	conn.send(t, domain.MessageHotkeyPressed, nil)

	// The target answers CaptureStart with its setup.
	require.Eventually(t, func() bool {
		return len(conn.sentOfType(domain.MessageCaptureStart)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.send(t, domain.MessageVideoSetup, validSetup("ring-a"))
	conn.send(t, domain.MessageVideoFrameCommitted, domain.VideoFrameCommitted{Index: 0, Timestamp: 1_000_000})
	conn.send(t, domain.MessageVideoFrameCommitted, domain.VideoFrameCommitted{Index: 1, Timestamp: 17_666_666})

	// Wait for the encoder to consume both frames before flipping capture
	// off, so the drain-or-discard ambiguity cannot hide them.
	require.Eventually(t, func() bool {
		return len(f.enc.captured()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	conn.send(t, domain.MessageHotkeyPressed, nil)

	require.Eventually(t, func() bool {
		return len(conn.sentOfType(domain.MessageCaptureStop)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	f.waitDone(t)

	frames := f.enc.captured()
	require.Len(t, frames, 2)
	assert.Equal(t, int64(1_000_000), frames[0].Timestamp)
	assert.Equal(t, int64(17_666_666), frames[1].Timestamp)
	assert.Equal(t, byte(1), frames[0].FirstByte)
	assert.Equal(t, byte(2), frames[1].FirstByte)

	assert.Equal(t, []uint32{0, 1}, conn.ackedIndices(t))
	assert.Equal(t, 1, f.enc.runCount())
}

func TestRun_ZeroDimensionSetupIsIgnored(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)
	f.addVideoRing("ring-a")

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	setup := validSetup("ring-a")
	setup.Width = 0
	conn.send(t, domain.MessageVideoSetup, setup)
	conn.send(t, domain.MessageVideoFrameCommitted, domain.VideoFrameCommitted{Index: 0, Timestamp: 1})

	time.Sleep(100 * time.Millisecond)
	conn.Close()
	f.waitDone(t)

	assert.Zero(t, f.enc.runCount(), "no session may be created for a zero-dimension setup")
	assert.Empty(t, conn.ackedIndices(t))
}

func TestRun_SecondSetupWhileRunningIsDropped(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)
	f.addVideoRing("ring-a")
	f.addVideoRing("ring-b")

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	conn.send(t, domain.MessageVideoSetup, validSetup("ring-a"))
	require.Eventually(t, func() bool { return f.enc.runCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.send(t, domain.MessageVideoSetup, validSetup("ring-b"))
	conn.send(t, domain.MessageVideoFrameCommitted, domain.VideoFrameCommitted{Index: 0, Timestamp: 1_000_000})

	require.Eventually(t, func() bool { return len(f.enc.captured()) == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	f.waitDone(t)

	// The original session survived the duplicate setup and got the frame.
	assert.Equal(t, 1, f.enc.runCount())
	assert.Equal(t, byte(1), f.enc.captured()[0].FirstByte, "frame must come from the first ring")
}

func TestCaptureStart_NoConnections(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	assert.ErrorIs(t, f.loop.CaptureStart(), domain.ErrNoConnections)
}

func TestStartSession_RejectsBadAndDuplicateSetups(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)
	f.addVideoRing("ring-a")
	conn := newFakeConn("target-a")

	zero := validSetup("ring-a")
	zero.Width = 0
	assert.ErrorIs(t, f.loop.StartSession(zero, conn), domain.ErrZeroDimensions)

	noPitch := validSetup("ring-a")
	noPitch.Linesize = nil
	assert.ErrorIs(t, f.loop.StartSession(noPitch, conn), domain.ErrZeroDimensions)

	require.NoError(t, f.loop.StartSession(validSetup("ring-a"), conn))
	assert.ErrorIs(t, f.loop.StartSession(validSetup("ring-a"), conn), domain.ErrSessionActive)

	f.loop.EndSession()
	f.loop.JoinSessions()
}

func TestRun_MissingSharedMemoryIsSetupFailure(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	conn.send(t, domain.MessageVideoSetup, validSetup("no-such-ring"))
	time.Sleep(100 * time.Millisecond)
	conn.Close()
	f.waitDone(t)

	assert.Zero(t, f.enc.runCount())
}

func TestRun_BackendPreference(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	connA := newFakeConn("target-a")
	connB := newFakeConn("target-b")
	f.loop.AddConnection(connA)
	f.loop.AddConnection(connB)
	f.run()

	connB.send(t, domain.MessageSawBackend, domain.SawBackend{Backend: "opengl"})
	time.Sleep(50 * time.Millisecond)
	connA.send(t, domain.MessageHotkeyPressed, nil)

	require.Eventually(t, func() bool {
		return len(connB.sentOfType(domain.MessageCaptureStart)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, connA.sentOfType(domain.MessageCaptureStart),
		"capture start must go to the preferred connection only")

	connA.Close()
	connB.Close()
	f.waitDone(t)
}

func TestRun_FirstConnectionWhenNoBackendSeen(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	connA := newFakeConn("target-a")
	connB := newFakeConn("target-b")
	f.loop.AddConnection(connA)
	f.loop.AddConnection(connB)
	f.run()

	connB.send(t, domain.MessageHotkeyPressed, nil)

	require.Eventually(t, func() bool {
		return len(connA.sentOfType(domain.MessageCaptureStart)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, connB.sentOfType(domain.MessageCaptureStart))

	connA.Close()
	connB.Close()
	f.waitDone(t)
}

func TestRun_BestConnClearedOnDisconnect(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	connA := newFakeConn("target-a")
	connB := newFakeConn("target-b")
	f.loop.AddConnection(connA)
	f.loop.AddConnection(connB)
	f.run()

	connB.send(t, domain.MessageSawBackend, domain.SawBackend{Backend: "opengl"})
	time.Sleep(50 * time.Millisecond)
	connB.Close()

	// Give the reader time to cull the preferred connection.
	require.Eventually(t, func() bool {
		return f.loop.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	connA.send(t, domain.MessageHotkeyPressed, nil)

	require.Eventually(t, func() bool {
		return len(connA.sentOfType(domain.MessageCaptureStart)) == 1
	}, 2*time.Second, 10*time.Millisecond, "capture start must fall back to a live connection")

	connA.Close()
	f.waitDone(t)
}

func TestRun_MidCaptureDisconnect(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)
	f.addVideoRing("ring-a")

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	conn.send(t, domain.MessageVideoSetup, validSetup("ring-a"))
	require.Eventually(t, func() bool { return f.enc.runCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.send(t, domain.MessageVideoFrameCommitted, domain.VideoFrameCommitted{Index: 0, Timestamp: 1_000_000})
	conn.Close()

	// Last connection gone: the loop must end the session, join the encoder
	// and return on its own.
	f.waitDone(t)

	// The in-flight commit may or may not have been consumed before the
	// stop; never more than one ack either way.
	assert.LessOrEqual(t, len(conn.ackedIndices(t)), 1)
}

func TestRun_CaptureStopEndsSessionAndBroadcasts(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)
	f.addVideoRing("ring-a")

	connA := newFakeConn("target-a")
	connB := newFakeConn("target-b")
	f.loop.AddConnection(connA)
	f.loop.AddConnection(connB)
	f.run()

	connA.send(t, domain.MessageVideoSetup, validSetup("ring-a"))
	require.Eventually(t, func() bool { return f.enc.runCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	connA.send(t, domain.MessageCaptureStop, nil)

	// Stop is broadcast to every connection, not only the session owner.
	require.Eventually(t, func() bool {
		return len(connA.sentOfType(domain.MessageCaptureStop)) == 1 &&
			len(connB.sentOfType(domain.MessageCaptureStop)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	connA.Close()
	connB.Close()
	f.waitDone(t)
}

func TestRun_UnknownMessageIsDiscarded(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	conn.send(t, domain.MessageType("telemetry_blob"), map[string]int{"x": 1})
	conn.incoming <- []byte("not json at all")
	conn.send(t, domain.MessageHotkeyPressed, nil)

	// The loop survives both and still processes the hotkey.
	require.Eventually(t, func() bool {
		return len(conn.sentOfType(domain.MessageCaptureStart)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	f.waitDone(t)
}

func TestRun_TerminatesPromptlyAfterLastDisconnect(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	conn := newFakeConn("target-a")
	f.loop.AddConnection(conn)
	f.run()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	conn.Close()
	f.waitDone(t)

	// One poll interval plus scheduling slack.
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdown_ClosesEverything(t *testing.T) {
	f := newLoopFixture(t, defaultSettings(), nil)

	connA := newFakeConn("target-a")
	connB := newFakeConn("target-b")
	f.loop.AddConnection(connA)
	f.loop.AddConnection(connB)
	f.run()

	f.loop.Shutdown()
	f.waitDone(t)
}
