package cobot

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// RobotState is the last-known decoded telemetry. Each field is updated
// independently as its response arrives and keeps its value across
// disconnects until a fresh response overwrites it.
type RobotState struct {
	Angles   Angles     `json:"angles"`   // degrees
	Coords   Coords     `json:"coords"`   // mm / degrees
	Encoders [6]int     `json:"encoders"` // raw counts
	Speeds   [6]int     `json:"speeds"`   // per-servo raw speed
	Voltages [6]float64 `json:"voltages"` // volts
	Loads    [6]int     `json:"loads"`    // present load register
	Speed    float64    `json:"speed"`    // global speed %

	Powered          bool    `json:"powered"`
	Moving           bool    `json:"moving"`
	ProgramPaused    bool    `json:"programPaused"`
	AllServosEnabled bool    `json:"allServosEnabled"`
	ServoEnabled     [6]bool `json:"servoEnabled"`
	InPosition       bool    `json:"inPosition"`

	Updated time.Time `json:"updated"`
}

// stateCache guards RobotState for readers outside the event loop. Only the
// dispatcher writes to it (plus the in-position reset issued by motion
// commands).
type stateCache struct {
	mu sync.RWMutex
	s  RobotState
}

func (c *stateCache) snapshot() RobotState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s
}

func (c *stateCache) update(fn func(s *RobotState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
	c.s.Updated = time.Now()
}

// State returns a copy of the whole cache.
func (e *Engine) State() RobotState { return e.cache.snapshot() }

// PeekAngles returns the cached joint angles without I/O.
func (e *Engine) PeekAngles() Angles { return e.cache.snapshot().Angles }

// PeekCoords returns the cached Cartesian pose without I/O.
func (e *Engine) PeekCoords() Coords { return e.cache.snapshot().Coords }

// PeekSpeeds returns the cached per-servo speeds without I/O.
func (e *Engine) PeekSpeeds() [6]int { return e.cache.snapshot().Speeds }

// PeekVoltages returns the cached per-servo voltages without I/O.
func (e *Engine) PeekVoltages() [6]float64 { return e.cache.snapshot().Voltages }

// PeekEncoders returns the cached encoder counts without I/O.
func (e *Engine) PeekEncoders() [6]int { return e.cache.snapshot().Encoders }

// PeekIsMoving returns the cached motion flag without I/O.
func (e *Engine) PeekIsMoving() bool { return e.cache.snapshot().Moving }

// PeekJointLoad returns the cached load of one joint without I/O.
func (e *Engine) PeekJointLoad(j Joint) (int, error) {
	if !j.Valid() {
		return 0, ErrInvalidJoint
	}
	return e.cache.snapshot().Loads[j.index()], nil
}

// WithinTolerance reports whether every component of a and b differs by at
// most eps.
func WithinTolerance(a, b []float64, eps float64) bool {
	if len(a) != len(b) {
		return false
	}
	return floats.Distance(a, b, math.Inf(1)) <= eps
}

// ReachedCoords compares the cached pose with target, without I/O.
func (e *Engine) ReachedCoords(target Coords, eps float64) bool {
	cur := e.PeekCoords()
	return WithinTolerance(cur[:], target[:], eps)
}

// ReachedAngles compares the cached joint angles with target, without I/O.
func (e *Engine) ReachedAngles(target Angles, eps float64) bool {
	cur := e.PeekAngles()
	return WithinTolerance(cur[:], target[:], eps)
}
