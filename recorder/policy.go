package recorder

import "time"

// Decision says whether and why a cycle's frame is recorded.
type Decision int

const (
	Skip Decision = iota
	Activity
	Timelapse
)

func (d Decision) String() string {
	switch d {
	case Activity:
		return "activity"
	case Timelapse:
		return "timelapse"
	default:
		return "skip"
	}
}

// PolicyConfig selects which cycles get recorded.
type PolicyConfig struct {
	// OnlyDetections limits activity recording to cycles with a target.
	OnlyDetections bool
	// MinFramesPerDetect keeps recording this many cycles after the last
	// detection when OnlyDetections is set.
	MinFramesPerDetect int
	// TimelapseDelay records one idle frame per interval. Zero disables.
	TimelapseDelay time.Duration
}

// Policy decides per cycle whether to record. It is not safe for
// concurrent use; the supervisor calls it from its own goroutine.
type Policy struct {
	cfg           PolicyConfig
	start         time.Time
	lastTimelapse time.Time
	sinceDetect   int
	seen          bool
}

// NewPolicy creates a policy whose timelapse clock starts at start.
func NewPolicy(cfg PolicyConfig, start time.Time) *Policy {
	return &Policy{cfg: cfg, start: start}
}

// Decide reports what to do with the frame of a cycle at now.
func (p *Policy) Decide(detected bool, now time.Time) Decision {
	if detected {
		p.seen = true
		p.sinceDetect = 0
	} else if p.seen {
		p.sinceDetect++
	}

	switch {
	case detected, !p.cfg.OnlyDetections:
		return Activity
	case p.seen && p.sinceDetect <= p.cfg.MinFramesPerDetect:
		return Activity
	}

	if p.cfg.TimelapseDelay <= 0 {
		return Skip
	}
	last := p.lastTimelapse
	if last.IsZero() {
		last = p.start
	}
	if now.Sub(last) >= p.cfg.TimelapseDelay {
		p.lastTimelapse = now
		return Timelapse
	}
	return Skip
}
