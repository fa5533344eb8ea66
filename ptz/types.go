package ptz

import (
	"context"
	"errors"
	"fmt"
)

// ZeroEpsilon is the magnitude below which a command is sent as exactly 0.
// The cameras creep when handed tiny non-zero velocities.
const ZeroEpsilon = 0.001

var (
	// ErrConvergenceTimeout is returned by the bounded wait when the camera
	// has not reported the goal position before the deadline.
	ErrConvergenceTimeout = errors.New("ptz: position did not converge before deadline")

	// ErrUnsupported is returned for imaging calls on transports that have no
	// imaging service.
	ErrUnsupported = errors.New("ptz: operation not supported by transport")
)

// Position is a normalized camera pose. Pan and tilt are in [-1,1], zoom in [0,1].
type Position struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

func (p Position) String() string {
	return fmt.Sprintf("(pan=%.3f tilt=%.3f zoom=%.3f)", p.Pan, p.Tilt, p.Zoom)
}

// Velocity is a continuous move request, every axis in [-1,1].
type Velocity struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// Transport is the protocol-level command surface of a PTZ camera.
// Implementations do no clamping; Device does that before calling them.
type Transport interface {
	ContinuousMove(ctx context.Context, v Velocity) error
	AbsoluteMove(ctx context.Context, p Position) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (Position, error)
}

// ExposureMode selects automatic or manual exposure.
type ExposureMode string

const (
	ExposureAuto   ExposureMode = "AUTO"
	ExposureManual ExposureMode = "MANUAL"
)

// FocusMode selects automatic or manual focus.
type FocusMode string

const (
	FocusAuto   FocusMode = "AUTO"
	FocusManual FocusMode = "MANUAL"
)

// ImagingSettings is the subset of the camera imaging configuration we drive.
type ImagingSettings struct {
	ExposureMode ExposureMode
	ExposureTime float64
	Gain         float64
	Iris         float64
	FocusMode    FocusMode
}

// Imager is implemented by transports that expose exposure and focus control.
type Imager interface {
	ImagingSettings(ctx context.Context) (ImagingSettings, error)
	SetImagingSettings(ctx context.Context, s ImagingSettings) error
	FocusMove(ctx context.Context, speed float64) error
	FocusStop(ctx context.Context) error
}
