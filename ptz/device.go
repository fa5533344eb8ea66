package ptz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CameraState tracks whether the last command left the camera moving.
type CameraState int

const (
	IDLE CameraState = iota
	MOVING
)

func (s CameraState) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case MOVING:
		return "MOVING"
	default:
		return "UNKNOWN"
	}
}

// DefaultPollInterval is the sleep between position queries while waiting
// for an absolute move to converge.
const DefaultPollInterval = 100 * time.Millisecond

// Device is the logical pan/tilt/zoom command surface over a Transport.
// Every outgoing value is clamped and near-zero values are sent as 0.
// Calls are not retried: the first transport error is returned.
type Device struct {
	transport    Transport
	limits       Limits
	pollInterval time.Duration

	mu    sync.Mutex
	state CameraState
}

// NewDevice wraps a transport with the given limits.
func NewDevice(t Transport, limits Limits) *Device {
	return &Device{
		transport:    t,
		limits:       limits,
		pollInterval: DefaultPollInterval,
		state:        IDLE,
	}
}

// SetPollInterval changes the convergence poll interval.
func (d *Device) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

// State returns IDLE or MOVING as of the last command sent.
func (d *Device) State() CameraState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s CameraState) {
	d.mu.Lock()
	old := d.state
	d.state = s
	d.mu.Unlock()

	if old != s {
		log.Debug().Str("component", "PTZ").Msgf("state %s -> %s", old, s)
	}
}

// Move starts a continuous pan/tilt move with zoom held.
func (d *Device) Move(ctx context.Context, pan, tilt float64) error {
	return d.MoveWithZoom(ctx, pan, tilt, 0)
}

// MoveWithZoom starts a continuous move on all three axes.
func (d *Device) MoveWithZoom(ctx context.Context, pan, tilt, zoom float64) error {
	v := ClampVelocity(Velocity{Pan: pan, Tilt: tilt, Zoom: zoom})
	if err := d.transport.ContinuousMove(ctx, v); err != nil {
		return fmt.Errorf("continuous move: %w", err)
	}
	if v == (Velocity{}) {
		d.setState(IDLE)
	} else {
		d.setState(MOVING)
	}
	return nil
}

// AbsoluteMove moves pan and tilt to a pose, keeping the current zoom.
func (d *Device) AbsoluteMove(ctx context.Context, pan, tilt float64) error {
	cur, err := d.GetPosition(ctx)
	if err != nil {
		return err
	}
	return d.AbsoluteMoveWithZoom(ctx, pan, tilt, cur.Zoom)
}

// AbsoluteMoveWithZoom issues a one-shot move to a full pose.
func (d *Device) AbsoluteMoveWithZoom(ctx context.Context, pan, tilt, zoom float64) error {
	_, err := d.absoluteMove(ctx, Position{Pan: pan, Tilt: tilt, Zoom: zoom})
	return err
}

func (d *Device) absoluteMove(ctx context.Context, p Position) (Position, error) {
	goal, _ := d.limits.ClampPosition(p)
	goal = snapPosition(goal)
	if err := d.transport.AbsoluteMove(ctx, goal); err != nil {
		return goal, fmt.Errorf("absolute move to %s: %w", goal, err)
	}
	d.setState(MOVING)
	return goal, nil
}

// AbsoluteMoveAndWait moves to a pose and polls until every axis is within
// tolerance of the goal. It has no deadline of its own and only returns
// early when ctx is cancelled; a camera that never converges blocks forever.
func (d *Device) AbsoluteMoveAndWait(ctx context.Context, p Position, tolerance float64) error {
	goal, err := d.absoluteMove(ctx, p)
	if err != nil {
		return err
	}
	if err := d.waitForPosition(ctx, goal, tolerance); err != nil {
		return err
	}
	d.setState(IDLE)
	return nil
}

// AbsoluteMoveAndWaitTimeout is AbsoluteMoveAndWait bounded by timeout. It
// returns ErrConvergenceTimeout if the pose is not reached in time.
func (d *Device) AbsoluteMoveAndWaitTimeout(ctx context.Context, p Position, tolerance float64, timeout time.Duration) error {
	if timeout <= 0 {
		return d.AbsoluteMoveAndWait(ctx, p, tolerance)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := d.AbsoluteMoveAndWait(waitCtx, p, tolerance)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn().Str("component", "PTZ").Stringer("goal", p).Dur("timeout", timeout).
			Msg("absolute move did not converge")
		return ErrConvergenceTimeout
	}
	return err
}

func (d *Device) waitForPosition(ctx context.Context, goal Position, tolerance float64) error {
	for {
		cur, err := d.GetPosition(ctx)
		if err != nil {
			return err
		}
		if withinTolerance(cur, goal, tolerance) {
			log.Debug().Str("component", "PTZ").Stringer("position", cur).Msg("arrived")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

func withinTolerance(cur, goal Position, tol float64) bool {
	return math.Abs(cur.Pan-goal.Pan) < tol &&
		math.Abs(cur.Tilt-goal.Tilt) < tol &&
		math.Abs(cur.Zoom-goal.Zoom) < tol
}

// GetPosition queries the current pose.
func (d *Device) GetPosition(ctx context.Context) (Position, error) {
	p, err := d.transport.Status(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("get status: %w", err)
	}
	return p, nil
}

// Stop halts all axes.
func (d *Device) Stop(ctx context.Context) error {
	if err := d.transport.Stop(ctx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	d.setState(IDLE)
	return nil
}

// Zoom moves the zoom axis to an absolute value, keeping pan and tilt.
func (d *Device) Zoom(ctx context.Context, zoom float64) error {
	cur, err := d.GetPosition(ctx)
	if err != nil {
		return err
	}
	return d.AbsoluteMoveWithZoom(ctx, cur.Pan, cur.Tilt, zoom)
}

// ZoomInFull zooms to the maximum allowed zoom.
func (d *Device) ZoomInFull(ctx context.Context) error {
	return d.Zoom(ctx, d.limits.SoftMaxZoom)
}

// ZoomOutFull zooms to the minimum allowed zoom.
func (d *Device) ZoomOutFull(ctx context.Context) error {
	return d.Zoom(ctx, d.limits.SoftMinZoom)
}

func (d *Device) imager() (Imager, error) {
	im, ok := d.transport.(Imager)
	if !ok {
		return nil, ErrUnsupported
	}
	return im, nil
}

// Exposure returns the current imaging settings.
func (d *Device) Exposure(ctx context.Context) (ImagingSettings, error) {
	im, err := d.imager()
	if err != nil {
		return ImagingSettings{}, err
	}
	return im.ImagingSettings(ctx)
}

func (d *Device) updateImaging(ctx context.Context, apply func(*ImagingSettings)) error {
	im, err := d.imager()
	if err != nil {
		return err
	}
	s, err := im.ImagingSettings(ctx)
	if err != nil {
		return fmt.Errorf("get imaging settings: %w", err)
	}
	apply(&s)
	if err := im.SetImagingSettings(ctx, s); err != nil {
		return fmt.Errorf("set imaging settings: %w", err)
	}
	return nil
}

// SetExposureAuto hands exposure control back to the camera.
func (d *Device) SetExposureAuto(ctx context.Context) error {
	return d.updateImaging(ctx, func(s *ImagingSettings) {
		s.ExposureMode = ExposureAuto
	})
}

// SetExposureManual fixes exposure time, gain and iris.
func (d *Device) SetExposureManual(ctx context.Context, exposureTime, gain, iris float64) error {
	return d.updateImaging(ctx, func(s *ImagingSettings) {
		s.ExposureMode = ExposureManual
		s.ExposureTime = exposureTime
		s.Gain = gain
		s.Iris = iris
	})
}

// SetFocusAuto enables autofocus.
func (d *Device) SetFocusAuto(ctx context.Context) error {
	return d.updateImaging(ctx, func(s *ImagingSettings) {
		s.FocusMode = FocusAuto
	})
}

// SetFocusManual disables autofocus so FocusIn/FocusOut take effect.
func (d *Device) SetFocusManual(ctx context.Context) error {
	return d.updateImaging(ctx, func(s *ImagingSettings) {
		s.FocusMode = FocusManual
	})
}

// FocusIn drives focus toward near at the given speed in (0,1].
func (d *Device) FocusIn(ctx context.Context, speed float64) error {
	im, err := d.imager()
	if err != nil {
		return err
	}
	return im.FocusMove(ctx, -math.Abs(Clamp(speed, -1, 1)))
}

// FocusOut drives focus toward far at the given speed in (0,1].
func (d *Device) FocusOut(ctx context.Context, speed float64) error {
	im, err := d.imager()
	if err != nil {
		return err
	}
	return im.FocusMove(ctx, math.Abs(Clamp(speed, -1, 1)))
}

// FocusStop halts a focus move.
func (d *Device) FocusStop(ctx context.Context) error {
	im, err := d.imager()
	if err != nil {
		return err
	}
	return im.FocusStop(ctx)
}
