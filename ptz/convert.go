package ptz

// Conversions between normalized commands and physical units. Pan commands
// map [-1,1] onto [0, fullRange] degrees; zoom commands map [0,1] onto
// [1, maxPower] optical magnification.

// DegreesToCommand maps an angle in [0, fullRange] onto [-1,1].
func DegreesToCommand(deg, fullRange float64) float64 {
	half := fullRange / 2
	deg = Clamp(deg, 0, fullRange)
	return (deg - half) / half
}

// CommandToDegrees is the inverse of DegreesToCommand.
func CommandToDegrees(cmd, fullRange float64) float64 {
	half := fullRange / 2
	return cmd*half + half
}

// ZoomToPower maps a zoom command in [0,1] to an optical power in [1, maxPower].
func ZoomToPower(zoom, maxPower float64) float64 {
	return zoom*(maxPower-1) + 1
}

// PowerToZoom maps an optical power in [1, maxPower] to a zoom command in [0,1].
func PowerToZoom(power, maxPower float64) float64 {
	if maxPower <= 1 {
		return 0
	}
	power = Clamp(power, 1, maxPower)
	return (power - 1) / (maxPower - 1)
}

// Ranges describes the physical span of a camera's axes.
type Ranges struct {
	PanDegrees   float64
	TiltDegrees  float64
	MaxZoomPower float64
}

// ToPhysical converts a normalized pose to degrees and zoom power.
func (r Ranges) ToPhysical(p Position) (panDeg, tiltDeg, power float64) {
	return CommandToDegrees(p.Pan, r.PanDegrees),
		CommandToDegrees(p.Tilt, r.TiltDegrees),
		ZoomToPower(p.Zoom, r.MaxZoomPower)
}

// FromPhysical converts degrees and zoom power to a normalized pose.
func (r Ranges) FromPhysical(panDeg, tiltDeg, power float64) Position {
	return Position{
		Pan:  DegreesToCommand(panDeg, r.PanDegrees),
		Tilt: DegreesToCommand(tiltDeg, r.TiltDegrees),
		Zoom: PowerToZoom(power, r.MaxZoomPower),
	}
}
