package tracking

import (
	"math"

	"ptzspotter/ptz"

	"github.com/rs/zerolog/log"
)

// ControllerConfig holds the per-run tuning of the motor controller.
type ControllerConfig struct {
	PanGain       float64
	TiltGain      float64
	Deadband      float64 // |error| below this commands exactly 0
	ZoomStopRatio float64 // box span beyond which zooming in stops
	ZoomStep      float64 // calm policy zoom-in increment
	EdgeMargin    int     // calm policy top/bottom margin in pixels
}

// Controller turns a target box into pan/tilt velocities and a zoom command
// with a proportional law and a pluggable zoom policy.
type Controller struct {
	cfg         ControllerConfig
	orientation Orientation
	zoom        ZoomPolicy
}

// NewController builds a controller. A nil policy holds zoom unchanged.
func NewController(cfg ControllerConfig, orientation Orientation, policy ZoomPolicy) *Controller {
	if policy == nil {
		policy = func(_ ControllerConfig, in ZoomInput) float64 { return in.Zoom }
	}
	return &Controller{cfg: cfg, orientation: orientation, zoom: policy}
}

// Config returns the controller tuning.
func (c *Controller) Config() ControllerConfig {
	return c.cfg
}

// FrameError is the normalized offset of the box center from the frame
// center on an oriented frame, roughly in [-0.5,0.5] per axis.
func FrameError(box BoundingBox, width, height int) AxisError {
	if width <= 0 || height <= 0 {
		return AxisError{}
	}
	xc, yc := box.Center()
	return AxisError{
		X: (xc - float64(width)/2) / float64(width),
		Y: (float64(height)/2 - yc) / float64(height),
	}
}

// Compute returns the next command for this cycle and the error expressed on
// the camera's pan/tilt axes. With no box the error is zero and the zoom
// command is carried over.
func (c *Controller) Compute(box *BoundingBox, width, height int, zoom float64) (Command, AxisError) {
	if box == nil {
		return c.Drive(AxisError{}, zoom), AxisError{}
	}

	frameErr := FrameError(*box, width, height)
	zoom = c.zoom(c.cfg, ZoomInput{
		Box:         *box,
		FrameWidth:  width,
		FrameHeight: height,
		Err:         frameErr,
		Zoom:        zoom,
	})

	var motor AxisError
	motor.X, motor.Y = RemapError(frameErr.X, frameErr.Y, c.orientation)

	cmd := c.Drive(motor, zoom)
	log.Debug().Str("component", "TRACK").
		Float64("x_err", motor.X).Float64("y_err", motor.Y).
		Stringer("cmd", cmd).Msg("computed")
	return cmd, motor
}

// Drive applies the proportional law to an error already on the camera axes.
func (c *Controller) Drive(err AxisError, zoom float64) Command {
	return Command{
		Pan:  c.axis(err.X, c.cfg.PanGain),
		Tilt: c.axis(err.Y, c.cfg.TiltGain),
		Zoom: ptz.SnapToZero(ptz.Clamp(zoom, -1, 1)),
	}
}

func (c *Controller) axis(err, gain float64) float64 {
	if math.Abs(err) < c.cfg.Deadband {
		return 0
	}
	return ptz.SnapToZero(ptz.Clamp(gain*err, -1, 1))
}
