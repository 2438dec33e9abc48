package cobot

import (
	"errors"
	"fmt"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// Joint identifies one of the six servos, J1..J6.
type Joint int

const (
	J1 Joint = iota + 1
	J2
	J3
	J4
	J5
	J6
)

// Valid reports whether j names a real joint.
func (j Joint) Valid() bool { return j >= J1 && j <= J6 }

func (j Joint) index() int { return int(j) - 1 }

func (j Joint) String() string { return fmt.Sprintf("J%d", int(j)) }

// Axis identifies a Cartesian coordinate axis.
type Axis int

const (
	X Axis = iota + 1
	Y
	Z
	RX
	RY
	RZ
)

func (a Axis) Valid() bool { return a >= X && a <= RZ }

// Angles holds one value per joint in degrees (index 0 is J1).
type Angles [protocol.Joints]float64

// Coords holds X, Y, Z in millimetres then RX, RY, RZ in degrees.
type Coords [protocol.Axes]float64

// Sentinel errors returned by the engine.
var (
	ErrNotConnected = errors.New("cobot: not connected")
	ErrDisconnected = errors.New("cobot: link lost")
	ErrTimeout      = errors.New("cobot: timeout waiting for response")
	ErrClosed       = errors.New("cobot: engine closed")
	ErrInvalidJoint = errors.New("cobot: invalid joint")
	ErrInvalidAxis  = errors.New("cobot: invalid axis")
)

// TransportError reports a failed open or write on the underlying link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cobot: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
