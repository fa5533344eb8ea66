package ptz

import (
	"math"

	"github.com/rs/zerolog/log"
)

// Limits bounds the normalized pose a Device will command. Soft limits
// restrict the useful viewing area; hard limits are the device range and are
// applied last.
type Limits struct {
	SoftMinPan, SoftMaxPan   float64
	SoftMinTilt, SoftMaxTilt float64
	SoftMinZoom, SoftMaxZoom float64

	HardMinPan, HardMaxPan   float64
	HardMinTilt, HardMaxTilt float64
	HardMinZoom, HardMaxZoom float64
}

// DefaultLimits returns the full normalized range with no soft restriction.
func DefaultLimits() Limits {
	return Limits{
		SoftMinPan: -1, SoftMaxPan: 1,
		SoftMinTilt: -1, SoftMaxTilt: 1,
		SoftMinZoom: 0, SoftMaxZoom: 1,

		HardMinPan: -1, HardMaxPan: 1,
		HardMinTilt: -1, HardMaxTilt: 1,
		HardMinZoom: 0, HardMaxZoom: 1,
	}
}

// ClampPosition applies soft then hard limits and reports whether any axis moved.
func (l Limits) ClampPosition(p Position) (Position, bool) {
	orig := p

	p.Pan = Clamp(p.Pan, l.SoftMinPan, l.SoftMaxPan)
	p.Tilt = Clamp(p.Tilt, l.SoftMinTilt, l.SoftMaxTilt)
	p.Zoom = Clamp(p.Zoom, l.SoftMinZoom, l.SoftMaxZoom)

	p.Pan = Clamp(p.Pan, l.HardMinPan, l.HardMaxPan)
	p.Tilt = Clamp(p.Tilt, l.HardMinTilt, l.HardMaxTilt)
	p.Zoom = Clamp(p.Zoom, l.HardMinZoom, l.HardMaxZoom)

	clamped := p != orig
	if clamped {
		log.Debug().Str("component", "PTZ").
			Stringer("requested", orig).Stringer("clamped", p).
			Msg("position clamped to limits")
	}
	return p, clamped
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SnapToZero returns exactly 0 for |v| < ZeroEpsilon and v otherwise.
func SnapToZero(v float64) float64 {
	if math.Abs(v) < ZeroEpsilon {
		return 0
	}
	return v
}

// ClampVelocity bounds every axis to [-1,1] and snaps near-zero values.
func ClampVelocity(v Velocity) Velocity {
	return Velocity{
		Pan:  SnapToZero(Clamp(v.Pan, -1, 1)),
		Tilt: SnapToZero(Clamp(v.Tilt, -1, 1)),
		Zoom: SnapToZero(Clamp(v.Zoom, -1, 1)),
	}
}

func snapPosition(p Position) Position {
	return Position{Pan: SnapToZero(p.Pan), Tilt: SnapToZero(p.Tilt), Zoom: SnapToZero(p.Zoom)}
}
