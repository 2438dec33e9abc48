package cobot

import (
	"fmt"
	"strings"
	"time"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// RequestKind names a telemetry request the scheduler can send.
type RequestKind int

const (
	RequestAngles RequestKind = iota + 1
	RequestCoords
	RequestEncoders
	RequestSpeeds
	RequestVoltages
	RequestLoad // needs a joint
	RequestMoving
)

// presentLoadRegister is the servo register holding the present load.
const presentLoadRegister = 60

var requestKindNames = map[RequestKind]string{
	RequestAngles:   "angles",
	RequestCoords:   "coords",
	RequestEncoders: "encoders",
	RequestSpeeds:   "speeds",
	RequestVoltages: "voltages",
	RequestLoad:     "load",
	RequestMoving:   "moving",
}

func (k RequestKind) String() string {
	if s, ok := requestKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// ParseRequestKind maps a name such as "angles" to its RequestKind.
func ParseRequestKind(s string) (RequestKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range requestKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("cobot: unknown request kind %q", s)
}

func (k RequestKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RequestKind) UnmarshalText(b []byte) error {
	v, err := ParseRequestKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// response is the command whose arrival completes a request of this kind.
func (k RequestKind) response() protocol.Command {
	switch k {
	case RequestAngles:
		return protocol.GetAngles
	case RequestCoords:
		return protocol.GetCoords
	case RequestEncoders:
		return protocol.GetEncoders
	case RequestSpeeds:
		return protocol.GetServoSpeeds
	case RequestVoltages:
		return protocol.GetServoVoltages
	case RequestLoad:
		return protocol.GetServoData
	case RequestMoving:
		return protocol.CheckRunning
	}
	return protocol.Undefined
}

// frame encodes the request for the wire.
func (k RequestKind) frame(j Joint) []byte {
	if k == RequestLoad {
		// Two-byte read mode.
		return protocol.Encode(protocol.GetServoData, byte(j), presentLoadRegister, 1)
	}
	return protocol.Encode(k.response())
}

type requestSlot struct {
	kind     RequestKind
	joint    Joint
	enqueued time.Time
}

// SchedulerStats is a snapshot of the request scheduler.
type SchedulerStats struct {
	Queued       int           `json:"queued"`
	Busy         bool          `json:"busy"`
	InFlight     string        `json:"inFlight,omitempty"`
	Polling      bool          `json:"polling"`
	PollInterval time.Duration `json:"pollInterval"`
	Sent         uint64        `json:"sent"`
	Completed    uint64        `json:"completed"`
	TimedOut     uint64        `json:"timedOut"`
	Failed       uint64        `json:"failed"`
	DroppedTicks uint64        `json:"droppedTicks"`
}

// scheduler is the control tower: a FIFO of pending requests with at most
// one in flight. It is only touched from the event loop.
type scheduler struct {
	queue    []requestSlot
	busy     bool
	inflight requestSlot
	seq      uint64
	timer    *time.Timer

	rotation []RequestKind
	next     int
	pollLoad Joint
	ticker   *time.Ticker
	interval time.Duration

	sent, completed, timedOut, failed, dropped uint64
}

func (s *scheduler) tickC() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C
}

func (s *scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// idle abandons the in-flight request and keeps the queue.
func (s *scheduler) idle() {
	s.stopTimer()
	s.busy = false
}

func (s *scheduler) stopPolling() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.interval = 0
}

// ScheduleRequest appends a request to the scheduler queue. The request is
// sent as soon as every earlier request has been answered or timed out.
// Requests queued while disconnected are sent after the next Connect.
// joint is only used by RequestLoad.
//
// A write failure while draining the queue is returned as a
// *TransportError. The link is then treated as lost and the queue, including
// the request that failed, is kept for the next Connect.
func (e *Engine) ScheduleRequest(kind RequestKind, joint Joint) error {
	if _, ok := requestKindNames[kind]; !ok {
		return fmt.Errorf("cobot: unknown request kind %d", int(kind))
	}
	if kind == RequestLoad && !joint.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidJoint, int(joint))
	}
	var sendErr error
	if err := e.do(func() {
		sendErr = e.enqueue(requestSlot{kind: kind, joint: joint, enqueued: time.Now()})
	}); err != nil {
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("%s: %w", kind, sendErr)
	}
	return nil
}

// RequestJointLoad schedules a present-load read of joint j. The answer
// lands in the cache and is read with PeekJointLoad.
func (e *Engine) RequestJointLoad(j Joint) error {
	return e.ScheduleRequest(RequestLoad, j)
}

func (e *Engine) enqueue(slot requestSlot) error {
	e.sched.queue = append(e.sched.queue, slot)
	return e.advance()
}

// advance sends the head of the queue when nothing is in flight. A failed
// write puts the head back, drops the link and stops draining.
func (e *Engine) advance() error {
	s := &e.sched
	for !s.busy && len(s.queue) > 0 && e.connected.Load() {
		slot := s.queue[0]
		if err := e.write(slot.kind.frame(slot.joint)); err != nil {
			s.failed++
			e.log.Warn().Err(err).Stringer("kind", slot.kind).Int("queued", len(s.queue)).Msg("request not sent")
			e.gen++
			e.handleLinkLoss(err)
			return err
		}
		s.queue[0] = requestSlot{}
		s.queue = s.queue[1:]
		if slot.kind == RequestLoad {
			e.lastLoadJoint = slot.joint
		}

		s.busy = true
		s.inflight = slot
		s.sent++
		s.seq++
		seq := s.seq
		s.timer = time.AfterFunc(e.cfg.RequestTimeout, func() {
			e.post(func() { e.expire(seq) })
		})
		e.log.Trace().Stringer("kind", slot.kind).Dur("queued", time.Since(slot.enqueued)).Msg("request sent")
	}
	return nil
}

// complete is called by the dispatcher for every decoded response.
func (e *Engine) complete(cmd protocol.Command) {
	s := &e.sched
	if !s.busy || s.inflight.kind.response() != cmd {
		return
	}
	s.stopTimer()
	s.busy = false
	s.completed++
	e.advance()
}

func (e *Engine) expire(seq uint64) {
	s := &e.sched
	if !s.busy || s.seq != seq {
		return
	}
	s.timer = nil
	s.busy = false
	s.timedOut++
	e.log.Warn().Stringer("kind", s.inflight.kind).Dur("timeout", e.cfg.RequestTimeout).Msg("request timed out")
	e.advance()
}

// pollTick enqueues the next kind of the rotation. A tick that finds work
// pending is dropped rather than queued so a slow link cannot build a
// backlog.
func (e *Engine) pollTick() {
	s := &e.sched
	if !e.connected.Load() || s.busy || len(s.queue) > 0 || len(s.rotation) == 0 {
		s.dropped++
		return
	}
	kind := s.rotation[s.next]
	s.next = (s.next + 1) % len(s.rotation)

	slot := requestSlot{kind: kind, enqueued: time.Now()}
	if kind == RequestLoad {
		if !s.pollLoad.Valid() || s.pollLoad == J6 {
			s.pollLoad = J1
		} else {
			s.pollLoad++
		}
		slot.joint = s.pollLoad
	}
	e.enqueue(slot)
}

// StartAutoPolling enqueues the poll rotation, one kind per interval.
// Calling it again replaces the interval.
func (e *Engine) StartAutoPolling(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cobot: poll interval must be positive, got %s", interval)
	}
	return e.do(func() {
		e.sched.stopPolling()
		e.sched.ticker = time.NewTicker(interval)
		e.sched.interval = interval
		e.log.Info().Dur("interval", interval).Strs("rotation", kindNames(e.sched.rotation)).Msg("auto-polling started")
	})
}

// StopAutoPolling stops the poll ticker. Requests already queued still drain.
func (e *Engine) StopAutoPolling() error {
	return e.do(func() {
		if e.sched.ticker != nil {
			e.log.Info().Msg("auto-polling stopped")
		}
		e.sched.stopPolling()
	})
}

// SchedulerStats returns a snapshot of the scheduler counters.
func (e *Engine) SchedulerStats() (SchedulerStats, error) {
	var st SchedulerStats
	err := e.do(func() {
		s := &e.sched
		st = SchedulerStats{
			Queued:       len(s.queue),
			Busy:         s.busy,
			Polling:      s.ticker != nil,
			PollInterval: s.interval,
			Sent:         s.sent,
			Completed:    s.completed,
			TimedOut:     s.timedOut,
			Failed:       s.failed,
			DroppedTicks: s.dropped,
		}
		if s.busy {
			st.InFlight = s.inflight.kind.String()
			if s.inflight.kind == RequestLoad {
				st.InFlight += " " + s.inflight.joint.String()
			}
		}
	})
	return st, err
}

func kindNames(kinds []RequestKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}
