package cobot

import (
	"fmt"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// Fire-and-forget commands. They bypass the scheduler and write one frame
// straight to the transport; only a write failure is reported.

// DefaultSpeed is the joint speed percentage used when none is given.
const DefaultSpeed = 50

func speedByte(pct int) byte {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return byte(pct)
}

func (e *Engine) resetInPosition() {
	e.cache.update(func(s *RobotState) { s.InPosition = false })
}

// PowerOn energizes the arm.
func (e *Engine) PowerOn() error { return e.send(protocol.PowerOn) }

// PowerOff releases every servo and then cuts power.
func (e *Engine) PowerOff() error {
	if err := e.ReleaseAllServos(); err != nil {
		return err
	}
	return e.send(protocol.PowerOff)
}

// ReleaseAllServos lets every joint move freely.
func (e *Engine) ReleaseAllServos() error { return e.send(protocol.ReleaseAllServos) }

// TaskStop aborts the current motion.
func (e *Engine) TaskStop() error { return e.send(protocol.TaskStop) }

// ProgramPause pauses motion execution.
func (e *Engine) ProgramPause() error { return e.send(protocol.ProgramPause) }

// ProgramResume resumes a paused motion.
func (e *Engine) ProgramResume() error { return e.send(protocol.ProgramResume) }

// SetSpeed sets the global speed percentage.
func (e *Engine) SetSpeed(pct int) error {
	return e.send(protocol.SetSpeed, speedByte(pct))
}

// SetFreshMode selects whether new motion commands preempt the current one
// (1) or queue behind it (0).
func (e *Engine) SetFreshMode(mode int) error {
	return e.send(protocol.SetFreshMode, byte(mode))
}

// FocusServo locks joint j in place.
func (e *Engine) FocusServo(j Joint) error {
	if !j.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidJoint, int(j))
	}
	return e.send(protocol.FocusServo, byte(j))
}

// WriteAngle moves one joint to deg degrees.
func (e *Engine) WriteAngle(j Joint, deg float64, speed int) error {
	if !j.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidJoint, int(j))
	}
	e.resetInPosition()
	params := append([]byte{byte(j)}, protocol.EncodeAngle(deg)...)
	return e.send(protocol.WriteAngle, append(params, speedByte(speed))...)
}

// WriteAngles moves all six joints.
func (e *Engine) WriteAngles(a Angles, speed int) error {
	e.resetInPosition()
	return e.send(protocol.WriteAngles, protocol.AnglesPayload(a, int(speedByte(speed)))...)
}

// InitialPose moves every joint to zero.
func (e *Engine) InitialPose(speed int) error {
	return e.WriteAngles(Angles{}, speed)
}

// WriteCoord moves along one Cartesian axis. speed is in the same unit as
// Config.MaxLinearSpeed.
func (e *Engine) WriteCoord(axis Axis, v float64, speed int) error {
	if !axis.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, int(axis))
	}
	e.resetInPosition()
	params := append([]byte{byte(axis)}, protocol.EncodeCoord(int(axis)-1, v)...)
	return e.send(protocol.WriteCoord, append(params, protocol.CoordSpeed(speed, e.cfg.MaxLinearSpeed))...)
}

// WriteCoords moves to a Cartesian pose. mode 0 is angular interpolation,
// 1 linear.
func (e *Engine) WriteCoords(c Coords, speed, mode int) error {
	e.resetInPosition()
	params := protocol.CoordsPayload(c)
	params = append(params, protocol.CoordSpeed(speed, e.cfg.MaxLinearSpeed), byte(mode))
	return e.send(protocol.WriteCoords, params...)
}

// SetEncoder drives joint j to a raw encoder count.
func (e *Engine) SetEncoder(j Joint, v int) error {
	if !j.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidJoint, int(j))
	}
	e.resetInPosition()
	return e.send(protocol.SetEncoder, append([]byte{byte(j)}, protocol.EncodeEncoder(v)...)...)
}

// SetEncoders drives all six joints to raw encoder counts.
func (e *Engine) SetEncoders(enc [6]int, speed int) error {
	e.resetInPosition()
	return e.send(protocol.SetEncoders, protocol.EncodersPayload(enc, int(speedByte(speed)))...)
}

// SetGripper opens or closes the gripper.
func (e *Engine) SetGripper(open bool, speed int) error {
	state := byte(1)
	if open {
		state = 0
	}
	return e.send(protocol.SetGripperState, state, speedByte(speed))
}
