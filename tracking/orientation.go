package tracking

import (
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// Orientation is how the camera is physically mounted.
type Orientation int

const (
	Upright Orientation = iota
	Left                // rotated 90 degrees counter-clockwise
	Right               // rotated 90 degrees clockwise
	Down                // upside down
)

func (o Orientation) String() string {
	switch o {
	case Upright:
		return "upright"
	case Left:
		return "left"
	case Right:
		return "right"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// ParseOrientation accepts upright, left, right or down (case-insensitive).
// An empty string is upright.
func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "upright", "up":
		return Upright, nil
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	case "down":
		return Down, nil
	}
	return Upright, fmt.Errorf("unknown orientation %q", s)
}

// OrientFrame rotates a raw frame so that up in the result is up in the
// scene. The caller owns the returned Mat.
func OrientFrame(frame gocv.Mat, o Orientation) gocv.Mat {
	dst := gocv.NewMat()
	switch o {
	case Left:
		gocv.Rotate(frame, &dst, gocv.Rotate90CounterClockwise)
	case Right:
		gocv.Rotate(frame, &dst, gocv.Rotate90Clockwise)
	case Down:
		gocv.Rotate(frame, &dst, gocv.Rotate180Clockwise)
	default:
		frame.CopyTo(&dst)
	}
	return dst
}

// RemapError maps an error measured on an oriented frame back onto the
// camera's own pan and tilt axes. It undoes the rotation OrientFrame applied.
func RemapError(x, y float64, o Orientation) (float64, float64) {
	switch o {
	case Left:
		return y, -x
	case Right:
		return -y, x
	case Down:
		return -x, -y
	default:
		return x, y
	}
}
