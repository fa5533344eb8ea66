package recorder

import (
	"time"

	"ptzspotter/overlay"
	"ptzspotter/ptz"
	"ptzspotter/tracking"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

const (
	classNothing   = "nothing detected"
	classTimelapse = "n/a: timelapse frame"
	classStartup   = "n/a: start-up frame"
)

// Gate connects the supervisor to the image stream and detection log,
// applying the recording policy to every cycle.
type Gate struct {
	stream   *ImageStream
	policy   *Policy
	log      *DetectionLog
	renderer *overlay.Renderer
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDetectionLog also writes every cycle with a target to l.
func WithDetectionLog(l *DetectionLog) GateOption {
	return func(g *Gate) { g.log = l }
}

// WithBoxes draws the target onto a copy of recorded frames.
func WithBoxes(r *overlay.Renderer) GateOption {
	return func(g *Gate) { g.renderer = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. stream may be nil when only the detection log is
// wanted.
func NewGate(stream *ImageStream, policy *Policy, opts ...GateOption) *Gate {
	g := &Gate{stream: stream, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Observe records one cycle's frame according to the policy.
func (g *Gate) Observe(frame gocv.Mat, pos ptz.Position, box *tracking.BoundingBox) error {
	now := g.now()

	if box != nil && g.log != nil {
		if err := g.log.Insert(now, *box, pos); err != nil {
			return err
		}
	}
	if g.stream == nil || g.policy == nil {
		return nil
	}

	var class string
	switch g.policy.Decide(box != nil, now) {
	case Skip:
		return nil
	case Timelapse:
		class = classTimelapse
	default:
		class = classNothing
		if box != nil {
			class = box.ClassName
		}
	}
	return g.write(frame, now, pos, class, box)
}

// RecordStartup records the frame taken after homing.
func (g *Gate) RecordStartup(frame gocv.Mat, pos ptz.Position) error {
	if g.stream == nil {
		return nil
	}
	return g.write(frame, g.now(), pos, classStartup, nil)
}

func (g *Gate) write(frame gocv.Mat, at time.Time, pos ptz.Position, class string, box *tracking.BoundingBox) error {
	img := frame
	if g.renderer != nil && box != nil {
		img = frame.Clone()
		defer img.Close()
		g.renderer.DrawTarget(&img, *box)
	}

	name, err := g.stream.RecordImage(img, at, pos, class, box)
	if err != nil {
		return err
	}
	log.Debug().Str("component", "RECORD").Str("image", name).Str("class", class).Msg("frame recorded")
	return nil
}
