package cobot

import (
	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// dispatch decodes one frame into the cache, then wakes a waiter and the
// scheduler. It runs on the event loop only.
func (e *Engine) dispatch(f protocol.Frame) {
	if !protocol.Known(f.Command) {
		e.log.Debug().Stringer("cmd", f.Command).Hex("payload", f.Payload).Msg("unknown command dropped")
		return
	}
	f = protocol.Fixup(f)
	p := f.Payload

	switch f.Command {
	case protocol.IsPoweredOn:
		e.cache.update(func(s *RobotState) { s.Powered = decodeBool(p) })
	case protocol.CheckRunning:
		e.cache.update(func(s *RobotState) { s.Moving = decodeBool(p) })
	case protocol.IsInPosition:
		e.cache.update(func(s *RobotState) { s.InPosition = decodeBool(p) })
	case protocol.IsProgramPaused:
		e.cache.update(func(s *RobotState) { s.ProgramPaused = decodeBool(p) })
	case protocol.IsAllServoEnabled:
		e.cache.update(func(s *RobotState) { s.AllServosEnabled = decodeBool(p) })
	case protocol.IsServoEnabled:
		j, on := decodeServoEnabled(p)
		if !j.Valid() {
			e.log.Debug().Int("joint", int(j)).Msg("servo-enabled reply for unknown joint")
			break
		}
		e.cache.update(func(s *RobotState) { s.ServoEnabled[j.index()] = on })
	case protocol.GetAngles:
		a := decodeAngles(p)
		e.cache.update(func(s *RobotState) { s.Angles = a })
	case protocol.GetCoords:
		c := decodeCoords(p)
		e.cache.update(func(s *RobotState) { s.Coords = c })
	case protocol.GetEncoders:
		enc := decodeInts(p)
		e.cache.update(func(s *RobotState) { s.Encoders = enc })
	case protocol.GetServoSpeeds:
		sp := decodeInts(p)
		e.cache.update(func(s *RobotState) { s.Speeds = sp })
	case protocol.GetServoVoltages:
		v := decodeVoltages(p)
		e.cache.update(func(s *RobotState) { s.Voltages = v })
	case protocol.GetServoData:
		// Load replies carry no joint id; the single in-flight request
		// tells us which joint was asked.
		j := e.lastLoadJoint
		load := decodeLoad(p)
		if j.Valid() {
			e.cache.update(func(s *RobotState) { s.Loads[j.index()] = load })
		}
	case protocol.GetSpeed:
		sp := decodeSpeed(p)
		e.cache.update(func(s *RobotState) { s.Speed = sp })
	default:
		e.log.Debug().Stringer("cmd", f.Command).Hex("payload", p).Msg("unhandled response")
		return
	}

	e.wake(f)
	e.complete(f.Command)
}

func decodeBool(p []byte) bool { return len(p) > 0 && p[0] != 0 }

func decodeServoEnabled(p []byte) (Joint, bool) {
	return Joint(p[0]), p[1] != 0
}

func decodeAngles(p []byte) Angles {
	var a Angles
	for i := range a {
		a[i] = protocol.DecodeAngle(p, i*2)
	}
	return a
}

func decodeCoords(p []byte) Coords {
	var c Coords
	for i := range c {
		c[i] = protocol.DecodeCoord(p, i)
	}
	return c
}

func decodeInts(p []byte) [6]int {
	var out [6]int
	for i := range out {
		out[i] = int(protocol.Int16(p, i*2))
	}
	return out
}

// decodeVoltages reads one byte per joint in decivolts.
func decodeVoltages(p []byte) [6]float64 {
	var v [6]float64
	for i := range v {
		v[i] = float64(p[i]) / protocol.VoltageScale
	}
	return v
}

// decodeLoad handles both register widths: two bytes big-endian signed, or
// a single unsigned byte.
func decodeLoad(p []byte) int {
	if len(p) >= 2 {
		return int(protocol.Int16(p, 0))
	}
	return int(p[0])
}

func decodeSpeed(p []byte) float64 { return float64(p[0]) }
