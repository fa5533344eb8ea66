package tracking

import (
	"fmt"
	"image"
)

// Phase is the supervisor's escalation stage, derived from the number of
// cycles since the target was last seen.
type Phase int

const (
	PhaseAcquired Phase = iota
	PhaseCoasting
	PhaseReset
	PhaseRecovering
	PhaseReturningHome
)

func (p Phase) String() string {
	switch p {
	case PhaseAcquired:
		return "ACQUIRED"
	case PhaseCoasting:
		return "COASTING"
	case PhaseReset:
		return "RESET"
	case PhaseRecovering:
		return "RECOVERING"
	case PhaseReturningHome:
		return "RETURNING_HOME"
	default:
		return "UNKNOWN"
	}
}

// BoundingBox is a detection in frame pixel coordinates.
type BoundingBox struct {
	X, Y          int
	Width, Height int
	ClassID       int
	ClassName     string
	Confidence    float64 // [0,1]
}

// Center returns the box center in pixels.
func (b BoundingBox) Center() (float64, float64) {
	return float64(b.X) + float64(b.Width)/2, float64(b.Y) + float64(b.Height)/2
}

// Area returns the box area in square pixels.
func (b BoundingBox) Area() float64 {
	return float64(b.Width) * float64(b.Height)
}

// Rect converts the box to an image.Rectangle for drawing.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%s %.2f [%d,%d %dx%d]", b.ClassName, b.Confidence, b.X, b.Y, b.Width, b.Height)
}

// AxisError is a normalized pan/tilt error. Positive X means the target is
// to the right of center, positive Y means above.
type AxisError struct {
	X, Y float64
}

// Command is one cycle's output: pan and tilt velocity plus the zoom
// command, every axis in [-1,1].
type Command struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

func (c Command) String() string {
	return fmt.Sprintf("(pan=%.3f tilt=%.3f zoom=%.3f)", c.Pan, c.Tilt, c.Zoom)
}
