package tracking

import (
	"fmt"
	"math"
	"strings"
)

// ZoomInput is what a zoom policy sees for one cycle with a target.
type ZoomInput struct {
	Box         BoundingBox
	FrameWidth  int
	FrameHeight int
	Err         AxisError // oriented-frame error, before remapping
	Zoom        float64   // previous zoom command
}

// AreaRatio is the box area over the frame area.
func (in ZoomInput) AreaRatio() float64 {
	frame := float64(in.FrameWidth) * float64(in.FrameHeight)
	if frame == 0 {
		return 0
	}
	return in.Box.Area() / frame
}

// spans reports whether the box covers at least ratio of the frame width or height.
func (in ZoomInput) spans(ratio float64) bool {
	return float64(in.Box.Width) >= ratio*float64(in.FrameWidth) ||
		float64(in.Box.Height) >= ratio*float64(in.FrameHeight)
}

// ZoomPolicy computes the next zoom command from a target observation.
type ZoomPolicy func(cfg ControllerConfig, in ZoomInput) float64

// CalmZoom steps zoom in by cfg.ZoomStep while a centered target is small,
// resets to 0 once it is large, and backs off when the box reaches the top
// or bottom margin.
func CalmZoom(cfg ControllerConfig, in ZoomInput) float64 {
	zoom := in.Zoom
	if math.Abs(in.Err.X) >= 0.5 || math.Abs(in.Err.Y) >= 0.5 {
		return zoom
	}

	if in.AreaRatio() < 0.3 {
		zoom = math.Min(math.Max(zoom, 0)+cfg.ZoomStep, 1)
	} else {
		zoom = 0
	}

	if in.spans(cfg.ZoomStopRatio) {
		zoom = 0
	}

	margin := cfg.EdgeMargin
	if in.Box.Y+in.Box.Height >= in.FrameHeight-margin || in.Box.Y <= margin {
		zoom = -1
	}
	return zoom
}

// TwitchyZoom nudges zoom in proportionally to how much of the frame the
// target leaves empty, and pulls out slightly once it spans the stop ratio.
func TwitchyZoom(cfg ControllerConfig, in ZoomInput) float64 {
	zoom := 0.05 * (1 - in.AreaRatio())
	if in.spans(cfg.ZoomStopRatio) {
		zoom = -0.1
	}
	return zoom
}

// BouncyZoom is a ternary policy: in for small targets, out for large ones.
func BouncyZoom(_ ControllerConfig, in ZoomInput) float64 {
	switch r := in.AreaRatio(); {
	case r < 0.1:
		return 0.01
	case r > 0.3:
		return -0.01
	default:
		return 0
	}
}

// Profile bundles a zoom policy with the gains-independent defaults it was
// tuned with.
type Profile struct {
	Name          string
	Zoom          ZoomPolicy
	Deadband      float64
	ZoomStopRatio float64
}

var profiles = map[string]Profile{
	"calm":    {Name: "calm", Zoom: CalmZoom, Deadband: 0.1, ZoomStopRatio: 0.6},
	"twitchy": {Name: "twitchy", Zoom: TwitchyZoom, Deadband: 0, ZoomStopRatio: 0.7},
	"bouncy":  {Name: "bouncy", Zoom: BouncyZoom, Deadband: 0, ZoomStopRatio: 0.7},
}

// ProfileByName returns a named behavior profile. An empty name is calm.
func ProfileByName(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "calm"
	}
	p, ok := profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("unknown controller profile %q", name)
	}
	return p, nil
}
