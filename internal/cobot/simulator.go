package cobot

import (
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// Simulator is an in-memory controller that speaks the wire protocol. It
// satisfies Transport, so the engine can drive it exactly like a serial
// port. Used by the demo driver and as a test peer.
type Simulator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    []byte
	err    error // returned by Read once out is drained
	closed bool

	parser   protocol.Parser
	received []protocol.Frame
	silent   map[protocol.Command]bool
	latency  time.Duration

	powered   bool
	paused    bool
	speed     int
	fresh     int
	gripper   byte
	servos    [6]bool
	angles    Angles
	target    Angles
	stepDeg   float64
	moveSpeed int
	encoders  [6]int
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// SimSilent makes the simulator ignore the given commands, as a controller
// that drops requests would.
func SimSilent(cmds ...protocol.Command) SimOption {
	return func(s *Simulator) {
		for _, c := range cmds {
			s.silent[c] = true
		}
	}
}

// SimLatency delays every reply by d.
func SimLatency(d time.Duration) SimOption {
	return func(s *Simulator) { s.latency = d }
}

// NewSimulator returns a powered-down arm at the zero pose.
func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{
		silent:  make(map[protocol.Command]bool),
		speed:   DefaultSpeed,
		stepDeg: 5,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read blocks until reply bytes are available.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.out) == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if len(s.out) > 0 {
		n := copy(p, s.out)
		s.out = s.out[n:]
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	return 0, io.EOF
}

// Write consumes request frames and queues the replies.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("simulator: closed")
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return 0, err
	}
	var replies [][]byte
	for _, f := range s.parser.Feed(p) {
		s.received = append(s.received, f)
		if s.silent[f.Command] {
			continue
		}
		if r := s.handle(f); r != nil {
			replies = append(replies, r)
		}
	}
	s.mu.Unlock()

	for _, r := range replies {
		s.emit(r)
	}
	return len(p), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Inject queues raw bytes for the engine to read, as if the controller had
// sent them.
func (s *Simulator) Inject(b []byte) {
	s.mu.Lock()
	s.out = append(s.out, b...)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Sever makes subsequent reads and writes fail with err, as an unplugged
// cable would.
func (s *Simulator) Sever(err error) {
	s.mu.Lock()
	s.err = err
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Received returns the request frames seen so far.
func (s *Simulator) Received() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.received...)
}

func (s *Simulator) emit(frame []byte) {
	if s.latency <= 0 {
		s.Inject(frame)
		return
	}
	time.AfterFunc(s.latency, func() { s.Inject(frame) })
}

// handle applies one request and returns the encoded reply, if any.
// Called with mu held.
func (s *Simulator) handle(f protocol.Frame) []byte {
	p := f.Payload
	switch f.Command {
	case protocol.PowerOn:
		s.powered = true
		for i := range s.servos {
			s.servos[i] = true
		}
	case protocol.PowerOff:
		s.powered = false
	case protocol.ReleaseAllServos:
		for i := range s.servos {
			s.servos[i] = false
		}
	case protocol.TaskStop:
		s.target = s.angles
	case protocol.ProgramPause:
		s.paused = true
	case protocol.ProgramResume:
		s.paused = false
	case protocol.SetSpeed:
		if len(p) >= 1 {
			s.speed = int(p[0])
		}
	case protocol.SetFreshMode:
		if len(p) >= 1 {
			s.fresh = int(p[0])
		}
	case protocol.SetGripperState:
		if len(p) >= 1 {
			s.gripper = p[0]
		}
	case protocol.FocusServo:
		if len(p) >= 1 && Joint(p[0]).Valid() {
			s.servos[Joint(p[0]).index()] = true
		}
	case protocol.WriteAngle:
		if len(p) >= 4 && Joint(p[0]).Valid() {
			s.target[Joint(p[0]).index()] = protocol.DecodeAngle(p, 1)
			s.moveSpeed = int(p[3])
		}
	case protocol.WriteAngles:
		if len(p) >= 13 {
			s.target = decodeAngles(p)
			s.moveSpeed = int(p[12])
		}
	case protocol.WriteCoords, protocol.WriteCoord:
		// No inverse kinematics; Cartesian moves are accepted and ignored.
	case protocol.SetEncoders:
		if len(p) >= 12 {
			s.encoders = decodeInts(p)
		}
	case protocol.SetEncoder:
		if len(p) >= 3 && Joint(p[0]).Valid() {
			s.encoders[Joint(p[0]).index()] = int(protocol.Int16(p, 1))
		}

	case protocol.IsPoweredOn:
		return boolReply(f.Command, s.powered)
	case protocol.IsProgramPaused:
		return boolReply(f.Command, s.paused)
	case protocol.IsAllServoEnabled:
		all := true
		for _, on := range s.servos {
			all = all && on
		}
		return boolReply(f.Command, all)
	case protocol.IsServoEnabled:
		if len(p) < 1 || !Joint(p[0]).Valid() {
			return nil
		}
		return protocol.Encode(f.Command, p[0], b2u(s.servos[Joint(p[0]).index()]))
	case protocol.CheckRunning:
		return boolReply(f.Command, s.angles != s.target)
	case protocol.IsInPosition:
		if len(p) < 13 {
			return nil
		}
		if p[12] == 1 {
			cur, want := s.coords(), decodeCoords(p)
			return boolReply(f.Command, WithinTolerance(cur[:], want[:], 1))
		}
		want := decodeAngles(p)
		return boolReply(f.Command, WithinTolerance(s.angles[:], want[:], 0.5))
	case protocol.GetAngles:
		s.step()
		return protocol.Encode(f.Command, encodeFloats(s.angles[:], protocol.AngleScale)...)
	case protocol.GetCoords:
		c := s.coords()
		return protocol.Encode(f.Command, protocol.CoordsPayload(c)...)
	case protocol.GetEncoders:
		var payload []byte
		for _, v := range s.encoders {
			payload = append(payload, protocol.EncodeEncoder(v)...)
		}
		return protocol.Encode(f.Command, payload...)
	case protocol.GetSpeed:
		return protocol.Encode(f.Command, byte(s.speed))
	case protocol.GetServoSpeeds:
		var payload []byte
		for i := range s.angles {
			v := 0
			if s.angles[i] != s.target[i] {
				v = s.moveSpeed * 10
			}
			payload = protocol.PutInt16(payload, int16(v))
		}
		return protocol.Encode(f.Command, payload...)
	case protocol.GetServoVoltages:
		payload := make([]byte, 6)
		for i := range payload {
			payload[i] = byte(74 + rand.Intn(4))
		}
		return protocol.Encode(f.Command, payload...)
	case protocol.GetServoData:
		if len(p) < 2 || !Joint(p[0]).Valid() {
			return nil
		}
		load := int16(20*int(p[0]) + rand.Intn(10))
		if len(p) >= 3 && p[2] == 1 {
			return protocol.Encode(f.Command, protocol.PutInt16(nil, load)...)
		}
		return protocol.Encode(f.Command, byte(load))
	}
	return nil
}

// step moves every joint toward its target. Called with mu held.
func (s *Simulator) step() {
	for i := range s.angles {
		d := s.target[i] - s.angles[i]
		if math.Abs(d) <= s.stepDeg {
			s.angles[i] = s.target[i]
			continue
		}
		s.angles[i] += math.Copysign(s.stepDeg, d)
	}
}

// coords is a toy forward model: a planar two-link arm on J2/J3 swung by J1.
func (s *Simulator) coords() Coords {
	const l1, l2, base = 110.4, 96.0, 131.2
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	a2, a3 := rad(s.angles[1]), rad(s.angles[1]+s.angles[2])
	r := l1*math.Sin(a2) + l2*math.Sin(a3)
	z := base + l1*math.Cos(a2) + l2*math.Cos(a3)
	return Coords{
		r * math.Cos(rad(s.angles[0])),
		r * math.Sin(rad(s.angles[0])),
		z,
		s.angles[3], s.angles[4], s.angles[5],
	}
}

func boolReply(cmd protocol.Command, v bool) []byte {
	return protocol.Encode(cmd, b2u(v))
}

func b2u(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func encodeFloats(vs []float64, scale float64) []byte {
	out := make([]byte, 0, len(vs)*2)
	for _, v := range vs {
		out = protocol.PutInt16(out, int16(math.Round(v*scale)))
	}
	return out
}
