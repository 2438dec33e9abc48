package cobot

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

func newTestEngine(t *testing.T, cfg Config, sims ...*Simulator) *Engine {
	t.Helper()
	var mu sync.Mutex
	next := 0
	open := func() (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(sims) {
			return nil, errors.New("no more simulators")
		}
		s := sims[next]
		next++
		return s, nil
	}
	e, err := New(cfg, WithOpener(open))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if len(sims) > 0 {
		if err := e.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func receivedCommands(s *Simulator) []protocol.Command {
	var out []protocol.Command
	for _, f := range s.Received() {
		out = append(out, f.Command)
	}
	return out
}

func TestScheduledRequestsAreSentOneAtATimeInOrder(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.GetAngles, protocol.GetCoords, protocol.GetEncoders))
	e := newTestEngine(t, Config{RequestTimeout: 5 * time.Second}, sim)

	for _, k := range []RequestKind{RequestAngles, RequestCoords, RequestEncoders} {
		if err := e.ScheduleRequest(k, 0); err != nil {
			t.Fatalf("ScheduleRequest(%s): %v", k, err)
		}
	}

	waitFor(t, "first request", func() bool { return len(sim.Received()) == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := receivedCommands(sim); len(got) != 1 || got[0] != protocol.GetAngles {
		t.Fatalf("sent %v before any reply, want only GetAngles", got)
	}
	st, _ := e.SchedulerStats()
	if !st.Busy || st.Queued != 2 {
		t.Fatalf("stats %+v, want busy with 2 queued", st)
	}

	sim.Inject(protocol.Encode(protocol.GetAngles, make([]byte, 12)...))
	waitFor(t, "second request", func() bool { return len(sim.Received()) == 2 })
	if got := receivedCommands(sim); got[1] != protocol.GetCoords {
		t.Fatalf("second request %v, want GetCoords", got[1])
	}

	sim.Inject(protocol.Encode(protocol.GetCoords, make([]byte, 12)...))
	waitFor(t, "third request", func() bool { return len(sim.Received()) == 3 })
	if got := receivedCommands(sim); got[2] != protocol.GetEncoders {
		t.Fatalf("third request %v, want GetEncoders", got[2])
	}
}

func TestSchedulerAdvancesOnTimeout(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.GetAngles, protocol.GetCoords))
	e := newTestEngine(t, Config{RequestTimeout: 40 * time.Millisecond}, sim)

	e.ScheduleRequest(RequestAngles, 0)
	e.ScheduleRequest(RequestCoords, 0)

	waitFor(t, "both requests", func() bool { return len(sim.Received()) == 2 })
	waitFor(t, "timeouts", func() bool {
		st, _ := e.SchedulerStats()
		return st.TimedOut == 2 && !st.Busy
	})
}

func TestPollTicksDroppedWhileBusy(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.GetAngles))
	e := newTestEngine(t, Config{RequestTimeout: 5 * time.Second}, sim)

	if err := e.StartAutoPolling(5 * time.Millisecond); err != nil {
		t.Fatalf("StartAutoPolling: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	st, err := e.SchedulerStats()
	if err != nil {
		t.Fatalf("SchedulerStats: %v", err)
	}
	if st.Sent != 1 || st.Queued != 0 {
		t.Fatalf("stats %+v, want exactly one request sent and none queued", st)
	}
	if st.DroppedTicks == 0 {
		t.Fatalf("no ticks dropped while busy")
	}
	if err := e.StopAutoPolling(); err != nil {
		t.Fatalf("StopAutoPolling: %v", err)
	}
}

func TestAutoPollingFillsCache(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{}, sim)

	if err := e.WriteAngles(Angles{10, 0, 0, 0, 0, -10}, 50); err != nil {
		t.Fatalf("WriteAngles: %v", err)
	}
	if err := e.StartAutoPolling(2 * time.Millisecond); err != nil {
		t.Fatalf("StartAutoPolling: %v", err)
	}
	waitFor(t, "angles to reach target", func() bool {
		return e.ReachedAngles(Angles{10, 0, 0, 0, 0, -10}, 0.01)
	})
	waitFor(t, "voltages", func() bool { return e.PeekVoltages()[0] >= 7.4 })
}

func TestIsPoweredOn(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{}, sim)

	// Reply arrives before the query: it must not satisfy a later waiter.
	sim.Inject(protocol.Encode(protocol.IsPoweredOn, 0x00))
	time.Sleep(10 * time.Millisecond)

	if err := e.PowerOn(); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	on, err := e.IsPoweredOn(context.Background())
	if err != nil {
		t.Fatalf("IsPoweredOn: %v", err)
	}
	if !on {
		t.Fatalf("IsPoweredOn = false after PowerOn")
	}
	if !e.State().Powered {
		t.Fatalf("cache not updated")
	}
}

func TestIsPoweredOnTimeout(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.IsPoweredOn))
	e := newTestEngine(t, Config{QueryTimeout: 30 * time.Millisecond}, sim)

	start := time.Now()
	_, err := e.IsPoweredOn(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("returned before the timeout window")
	}
}

func TestQueryContextCancel(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.CheckRunning))
	e := newTestEngine(t, Config{QueryTimeout: time.Minute}, sim)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.IsMoving(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestQueryNotConnected(t *testing.T) {
	e := newTestEngine(t, Config{})
	if _, err := e.IsPoweredOn(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if err := e.PowerOn(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PowerOn err = %v, want ErrNotConnected", err)
	}
}

func TestConcurrentQueriesOfSameKind(t *testing.T) {
	sim := NewSimulator(SimLatency(5 * time.Millisecond))
	e := newTestEngine(t, Config{}, sim)
	e.PowerOn()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			on, err := e.IsPoweredOn(context.Background())
			if err == nil && !on {
				err = errors.New("reported powered off")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("query: %v", err)
		}
	}
}

func TestIsServoEnabledMatchesJoint(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.IsServoEnabled))
	e := newTestEngine(t, Config{}, sim)

	result := make(chan bool, 1)
	go func() {
		on, err := e.IsServoEnabled(context.Background(), J2)
		if err != nil {
			t.Errorf("IsServoEnabled: %v", err)
		}
		result <- on
	}()
	waitFor(t, "query sent", func() bool { return len(sim.Received()) == 1 })

	// A reply for another joint must not wake the J2 waiter.
	sim.Inject(protocol.Encode(protocol.IsServoEnabled, 4, 0))
	sim.Inject(protocol.Encode(protocol.IsServoEnabled, 2, 1))

	select {
	case on := <-result:
		if !on {
			t.Fatalf("J2 reported disabled")
		}
	case <-time.After(time.Second):
		t.Fatalf("no result")
	}
	st := e.State()
	if st.ServoEnabled[3] || !st.ServoEnabled[1] {
		t.Fatalf("servo cache %v", st.ServoEnabled)
	}

	if _, err := e.IsServoEnabled(context.Background(), Joint(9)); !errors.Is(err, ErrInvalidJoint) {
		t.Fatalf("err = %v, want ErrInvalidJoint", err)
	}
}

func TestLoadResponsesAttributedToRequestedJoint(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.GetServoData))
	e := newTestEngine(t, Config{RequestTimeout: 5 * time.Second}, sim)

	if err := e.RequestJointLoad(J3); err != nil {
		t.Fatalf("RequestJointLoad(J3): %v", err)
	}
	if err := e.RequestJointLoad(J5); err != nil {
		t.Fatalf("RequestJointLoad(J5): %v", err)
	}

	waitFor(t, "J3 request", func() bool { return len(sim.Received()) == 1 })
	first := sim.Received()[0]
	if first.Payload[0] != 3 || first.Payload[1] != presentLoadRegister || first.Payload[2] != 1 {
		t.Fatalf("first load request payload % X", first.Payload)
	}
	if st, _ := e.SchedulerStats(); st.Queued != 1 {
		t.Fatalf("queued = %d, want J5 waiting", st.Queued)
	}

	sim.Inject(protocol.Encode(protocol.GetServoData, 0x00, 0x64))
	waitFor(t, "J5 request", func() bool { return len(sim.Received()) == 2 })
	if got := sim.Received()[1].Payload[0]; got != 5 {
		t.Fatalf("second load request for joint %d, want 5", got)
	}
	if l, _ := e.PeekJointLoad(J3); l != 100 {
		t.Fatalf("J3 load = %d, want 100", l)
	}

	sim.Inject(protocol.Encode(protocol.GetServoData, 0x2A))
	waitFor(t, "J5 load", func() bool {
		l, _ := e.PeekJointLoad(J5)
		return l == 42
	})
	if l, _ := e.PeekJointLoad(J3); l != 100 {
		t.Fatalf("J3 load overwritten: %d", l)
	}
	if _, err := e.PeekJointLoad(Joint(0)); !errors.Is(err, ErrInvalidJoint) {
		t.Fatalf("PeekJointLoad(0) err = %v", err)
	}
}

func TestDisconnectRetainsQueueAndCache(t *testing.T) {
	first := NewSimulator(SimSilent(protocol.GetCoords))
	second := NewSimulator()
	e := newTestEngine(t, Config{RequestTimeout: 5 * time.Second}, first, second)

	lost := make(chan error, 1)
	e.OnDisconnect(func(err error) { lost <- err })

	e.WriteAngles(Angles{3, 0, 0, 0, 0, 0}, 50)
	e.ScheduleRequest(RequestAngles, 0)
	waitFor(t, "angles cached", func() bool { return e.PeekAngles()[0] == 3 })

	e.ScheduleRequest(RequestCoords, 0)
	e.ScheduleRequest(RequestEncoders, 0)
	waitFor(t, "coords in flight", func() bool {
		st, _ := e.SchedulerStats()
		return st.Busy && st.Queued == 1
	})

	first.Sever(io.ErrUnexpectedEOF)
	select {
	case err := <-lost:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("observer err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("disconnect observer not called")
	}
	if e.IsConnected() {
		t.Fatalf("still connected after link loss")
	}
	st, _ := e.SchedulerStats()
	if st.Busy || st.Queued != 1 {
		t.Fatalf("stats after disconnect %+v, want idle with 1 queued", st)
	}
	if e.PeekAngles()[0] != 3 {
		t.Fatalf("cache cleared on disconnect")
	}

	if err := e.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "queued request resent", func() bool {
		got := receivedCommands(second)
		return len(got) == 1 && got[0] == protocol.GetEncoders
	})
}

// brokenWriter reads from a simulator but fails every write once broken is
// set.
type brokenWriter struct {
	*Simulator
	broken atomic.Bool
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	if b.broken.Load() {
		return 0, syscall.EIO
	}
	return b.Simulator.Write(p)
}

func TestScheduleRequestWriteFailure(t *testing.T) {
	first := &brokenWriter{Simulator: NewSimulator(SimSilent(protocol.GetCoords))}
	second := NewSimulator()
	links := []Transport{first, second}
	var opened atomic.Int32
	e, err := New(Config{RequestTimeout: 100 * time.Millisecond}, WithOpener(func() (Transport, error) {
		n := int(opened.Add(1)) - 1
		if n >= len(links) {
			return nil, errors.New("no more links")
		}
		return links[n], nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
	if err := e.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	lost := make(chan error, 1)
	e.OnDisconnect(func(err error) { lost <- err })

	// Coords is never answered, so encoders and angles wait behind it.
	for _, k := range []RequestKind{RequestCoords, RequestEncoders, RequestAngles} {
		if err := e.ScheduleRequest(k, 0); err != nil {
			t.Fatalf("ScheduleRequest(%s): %v", k, err)
		}
	}
	first.broken.Store(true)

	select {
	case err := <-lost:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("observer err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("write failure did not drop the link")
	}
	st, _ := e.SchedulerStats()
	if st.Failed != 1 || st.Queued != 2 || st.Busy {
		t.Fatalf("stats after failed write %+v, want 1 failed and 2 queued", st)
	}

	if err := e.ScheduleRequest(RequestSpeeds, 0); err != nil {
		t.Fatalf("ScheduleRequest while disconnected: %v", err)
	}
	if err := e.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "retained queue drained in order", func() bool {
		return len(receivedCommands(second)) == 3
	})
	got := receivedCommands(second)
	want := []protocol.Command{protocol.GetEncoders, protocol.GetAngles, protocol.GetServoSpeeds}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
}

func TestScheduleRequestReturnsTransportError(t *testing.T) {
	link := &brokenWriter{Simulator: NewSimulator()}
	link.broken.Store(true)
	e, err := New(Config{}, WithOpener(func() (Transport, error) { return link, nil }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
	if err := e.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err = e.ScheduleRequest(RequestAngles, 0)
	var te *TransportError
	if !errors.As(err, &te) || !errors.Is(err, syscall.EIO) {
		t.Fatalf("ScheduleRequest err = %v, want a transport write error", err)
	}
	if e.IsConnected() {
		t.Fatalf("link still up after a failed write")
	}
	st, _ := e.SchedulerStats()
	if st.Queued != 1 || st.Sent != 0 {
		t.Fatalf("stats %+v, want the failed request retained", st)
	}
}

func TestUnsolicitedLoadReplyIgnored(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{}, sim)

	sim.Inject(protocol.Encode(protocol.GetServoData, 0x00, 0x64))
	if _, err := e.IsPoweredOn(context.Background()); err != nil {
		t.Fatalf("IsPoweredOn: %v", err)
	}
	if loads := e.State().Loads; loads != ([6]int{}) {
		t.Fatalf("unrequested load reply cached: %v", loads)
	}
}

func TestWaitingQueryFailsOnDisconnect(t *testing.T) {
	sim := NewSimulator(SimSilent(protocol.IsProgramPaused))
	e := newTestEngine(t, Config{QueryTimeout: 5 * time.Second}, sim)

	errc := make(chan error, 1)
	go func() {
		_, err := e.IsProgramPaused(context.Background())
		errc <- err
	}()
	waitFor(t, "query sent", func() bool { return len(sim.Received()) == 1 })
	sim.Sever(io.EOF)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("query still blocked after link loss")
	}
}

func TestUnknownAndCorruptInputIgnored(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{}, sim)

	sim.Inject([]byte{0x01, 0xFE, 0x13})
	sim.Inject(protocol.Encode(protocol.Command(0xEE), 1, 2, 3))
	sim.Inject([]byte{0xFE, 0xFE, 0x03, 0x12, 0x01, 0x00}) // bad footer

	speed, err := e.GetSpeed(context.Background())
	if err != nil {
		t.Fatalf("GetSpeed after garbage: %v", err)
	}
	if speed != DefaultSpeed {
		t.Fatalf("speed = %v, want %d", speed, DefaultSpeed)
	}
}

func TestFireAndForgetFrames(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{MaxLinearSpeed: 200}, sim)

	if err := e.WriteCoords(Coords{123.4, 0, 0, 45.67, 0, 0}, 100, 1); err != nil {
		t.Fatalf("WriteCoords: %v", err)
	}
	if err := e.WriteAngle(J1, 90, 30); err != nil {
		t.Fatalf("WriteAngle: %v", err)
	}
	if err := e.SetGripper(true, 40); err != nil {
		t.Fatalf("SetGripper: %v", err)
	}
	if err := e.WriteAngle(Joint(7), 0, 0); !errors.Is(err, ErrInvalidJoint) {
		t.Fatalf("WriteAngle(7) err = %v", err)
	}

	frames := sim.Received()
	if len(frames) != 3 {
		t.Fatalf("received %d frames, want 3", len(frames))
	}
	wc := frames[0].Payload
	if len(wc) != 14 || wc[0] != 0x04 || wc[1] != 0xD2 || wc[6] != 0x11 || wc[7] != 0xD7 {
		t.Fatalf("WriteCoords payload % X", wc)
	}
	if wc[12] != 50 || wc[13] != 1 {
		t.Fatalf("speed/mode bytes %d %d, want 50 1", wc[12], wc[13])
	}
	if wa := frames[1].Payload; len(wa) != 4 || wa[0] != 1 || wa[1] != 0x23 || wa[2] != 0x28 || wa[3] != 30 {
		t.Fatalf("WriteAngle payload % X", wa)
	}
	if g := frames[2].Payload; g[0] != 0 || g[1] != 40 {
		t.Fatalf("SetGripper payload % X", g)
	}
}

func TestInPositionEncoders(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{}, sim)

	target := [6]int{2048, 1000, -500, 0, 10, 20}
	if err := e.SetEncoders(target, 50); err != nil {
		t.Fatalf("SetEncoders: %v", err)
	}
	near := target
	near[0] += 10
	ok, err := e.InPositionEncoders(context.Background(), near, EncodersEpsilon)
	if err != nil || !ok {
		t.Fatalf("InPositionEncoders near = %v, %v", ok, err)
	}
	near[2] -= 100
	if ok, _ := e.InPositionEncoders(context.Background(), near, EncodersEpsilon); ok {
		t.Fatalf("InPositionEncoders far = true")
	}
}

func TestMotionResetsInPosition(t *testing.T) {
	sim := NewSimulator()
	e := newTestEngine(t, Config{}, sim)

	ok, err := e.IsInPosition(context.Background(), [6]float64{}, false)
	if err != nil || !ok {
		t.Fatalf("IsInPosition at rest = %v, %v", ok, err)
	}
	if !e.State().InPosition {
		t.Fatalf("cache not updated")
	}
	frames := sim.Received()
	if q := frames[len(frames)-1]; q.Command != protocol.IsInPosition || len(q.Payload) != 13 || q.Payload[12] != 0 {
		t.Fatalf("angle in-position query %v % X", q.Command, q.Payload)
	}
	e.IsInPosition(context.Background(), [6]float64{100, 0, 0, 0, 0, 0}, true)
	frames = sim.Received()
	if q := frames[len(frames)-1]; len(q.Payload) != 13 || q.Payload[12] != 1 {
		t.Fatalf("linear in-position query % X", q.Payload)
	}
	e.WriteAngle(J2, 20, 50)
	if e.State().InPosition {
		t.Fatalf("InPosition still set after a motion command")
	}
}

func TestMeasureRTT(t *testing.T) {
	sim := NewSimulator(SimLatency(5 * time.Millisecond))
	e := newTestEngine(t, Config{}, sim)

	rtt, err := e.MeasureRTT(context.Background())
	if err != nil {
		t.Fatalf("MeasureRTT: %v", err)
	}
	if rtt < 5*time.Millisecond {
		t.Fatalf("rtt %s shorter than simulated latency", rtt)
	}
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, Config{}, NewSimulator())
	e.Close()
	if err := e.ScheduleRequest(RequestAngles, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("ScheduleRequest after Close: %v", err)
	}
	if _, err := e.IsPoweredOn(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("IsPoweredOn after Close: %v", err)
	}
}

func TestScheduleRequestValidation(t *testing.T) {
	e := newTestEngine(t, Config{})
	if err := e.ScheduleRequest(RequestLoad, 0); !errors.Is(err, ErrInvalidJoint) {
		t.Fatalf("load without joint: %v", err)
	}
	if err := e.ScheduleRequest(RequestKind(99), 0); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	if err := e.StartAutoPolling(0); err == nil {
		t.Fatalf("zero interval accepted")
	}
}
