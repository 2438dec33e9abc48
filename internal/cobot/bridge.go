package cobot

import (
	"context"
	"fmt"
	"time"

	"github.com/shaunagostinho/cobot-link/internal/protocol"
)

// waiter is a one-shot wake token for one expected response command. match,
// when set, narrows which replies of that command belong to the waiter.
type waiter struct {
	match func(payload []byte) bool
	ch    chan reply
}

type reply struct {
	payload []byte
	err     error
}

// wake hands f to the oldest matching waiter of its command.
func (e *Engine) wake(f protocol.Frame) {
	ws := e.waiters[f.Command]
	for i, w := range ws {
		if w.match != nil && !w.match(f.Payload) {
			continue
		}
		w.ch <- reply{payload: f.Payload}
		e.waiters[f.Command] = append(ws[:i:i], ws[i+1:]...)
		if len(e.waiters[f.Command]) == 0 {
			delete(e.waiters, f.Command)
		}
		return
	}
}

func (e *Engine) removeWaiter(cmd protocol.Command, w *waiter) {
	ws := e.waiters[cmd]
	for i := range ws {
		if ws[i] == w {
			e.waiters[cmd] = append(ws[:i:i], ws[i+1:]...)
			break
		}
	}
	if len(e.waiters[cmd]) == 0 {
		delete(e.waiters, cmd)
	}
}

func (e *Engine) failWaiters(err error) {
	for cmd, ws := range e.waiters {
		for _, w := range ws {
			w.ch <- reply{err: err}
		}
		delete(e.waiters, cmd)
	}
}

// query sends cmd and blocks until its reply, the query timeout, ctx or
// link loss. The event loop keeps running while the caller waits.
func (e *Engine) query(ctx context.Context, cmd protocol.Command, match func([]byte) bool, params ...byte) ([]byte, error) {
	w := &waiter{match: match, ch: make(chan reply, 1)}
	var sendErr error
	err := e.do(func() {
		if !e.connected.Load() {
			sendErr = ErrNotConnected
			return
		}
		e.waiters[cmd] = append(e.waiters[cmd], w)
		if err := e.write(protocol.Encode(cmd, params...)); err != nil {
			e.removeWaiter(cmd, w)
			sendErr = err
		}
	})
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, fmt.Errorf("%s: %w", cmd, sendErr)
	}

	timer := time.NewTimer(e.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case r := <-w.ch:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, r.err)
		}
		return r.payload, nil
	case <-timer.C:
		e.post(func() { e.removeWaiter(cmd, w) })
		return nil, fmt.Errorf("%s: %w", cmd, ErrTimeout)
	case <-ctx.Done():
		e.post(func() { e.removeWaiter(cmd, w) })
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrClosed
	}
}

func (e *Engine) queryBool(ctx context.Context, cmd protocol.Command, params ...byte) (bool, error) {
	p, err := e.query(ctx, cmd, nil, params...)
	if err != nil {
		return false, err
	}
	return decodeBool(p), nil
}

// IsPoweredOn asks the controller whether the arm is powered.
func (e *Engine) IsPoweredOn(ctx context.Context) (bool, error) {
	return e.queryBool(ctx, protocol.IsPoweredOn)
}

// IsProgramPaused asks whether the running program is paused.
func (e *Engine) IsProgramPaused(ctx context.Context) (bool, error) {
	return e.queryBool(ctx, protocol.IsProgramPaused)
}

// IsAllServosEnabled asks whether every servo is enabled.
func (e *Engine) IsAllServosEnabled(ctx context.Context) (bool, error) {
	return e.queryBool(ctx, protocol.IsAllServoEnabled)
}

// IsMoving asks whether the arm is executing a motion.
func (e *Engine) IsMoving(ctx context.Context) (bool, error) {
	return e.queryBool(ctx, protocol.CheckRunning)
}

// IsServoEnabled asks whether joint j's servo is enabled. Replies echo the
// joint, so concurrent calls for different joints are matched correctly.
func (e *Engine) IsServoEnabled(ctx context.Context, j Joint) (bool, error) {
	if !j.Valid() {
		return false, fmt.Errorf("%w: %d", ErrInvalidJoint, int(j))
	}
	p, err := e.query(ctx, protocol.IsServoEnabled, func(p []byte) bool {
		got, _ := decodeServoEnabled(p)
		return got == j
	}, byte(j))
	if err != nil {
		return false, err
	}
	_, on := decodeServoEnabled(p)
	return on, nil
}

// IsInPosition asks whether the arm has reached target. With linear set the
// target is a Cartesian pose, otherwise six joint angles.
func (e *Engine) IsInPosition(ctx context.Context, target [6]float64, linear bool) (bool, error) {
	var params []byte
	if linear {
		params = protocol.CoordsPayload(target)
		params = append(params, 1)
	} else {
		// Six angles, then the zero mode byte in the speed slot.
		params = protocol.AnglesPayload(target, 0)
	}
	return e.queryBool(ctx, protocol.IsInPosition, params...)
}

// GetSpeed reads the global speed percentage.
func (e *Engine) GetSpeed(ctx context.Context) (float64, error) {
	p, err := e.query(ctx, protocol.GetSpeed, nil)
	if err != nil {
		return 0, err
	}
	return decodeSpeed(p), nil
}

// GetEncoders reads the six raw encoder counts.
func (e *Engine) GetEncoders(ctx context.Context) ([6]int, error) {
	p, err := e.query(ctx, protocol.GetEncoders, nil)
	if err != nil {
		return [6]int{}, err
	}
	return decodeInts(p), nil
}

// EncodersEpsilon is the default tolerance for InPositionEncoders.
const EncodersEpsilon = 15

// InPositionEncoders reads the encoders and reports whether every count is
// within eps of target.
func (e *Engine) InPositionEncoders(ctx context.Context, target [6]int, eps float64) (bool, error) {
	cur, err := e.GetEncoders(ctx)
	if err != nil {
		return false, err
	}
	a, b := make([]float64, 6), make([]float64, 6)
	for i := range cur {
		a[i], b[i] = float64(cur[i]), float64(target[i])
	}
	return WithinTolerance(a, b, eps), nil
}

// MeasureRTT times one power-state round trip.
func (e *Engine) MeasureRTT(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := e.IsPoweredOn(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
