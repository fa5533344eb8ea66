package tracking

import (
	"context"
	"fmt"
	"math"
	"time"

	"ptzspotter/ptz"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// FrameSource hands out the most recent frame without blocking.
type FrameSource interface {
	Frame() (gocv.Mat, bool)
}

// Detector returns the best tracked-class box in a frame, or nil.
type Detector interface {
	Detect(frame gocv.Mat) (*BoundingBox, error)
}

// Camera is the part of ptz.Device the supervisor drives.
type Camera interface {
	GetPosition(ctx context.Context) (ptz.Position, error)
	MoveWithZoom(ctx context.Context, pan, tilt, zoom float64) error
	Stop(ctx context.Context) error
	ZoomOutFull(ctx context.Context) error
	AbsoluteMoveAndWaitTimeout(ctx context.Context, p ptz.Position, tolerance float64, timeout time.Duration) error
}

// Recorder receives every cycle's frame and decides itself whether to keep it.
type Recorder interface {
	Observe(frame gocv.Mat, pos ptz.Position, box *BoundingBox) error
}

// StartupRecorder is implemented by recorders that label the frame taken
// after homing differently from regular cycles.
type StartupRecorder interface {
	RecordStartup(frame gocv.Mat, pos ptz.Position) error
}

// Timings receives per-cycle latencies.
type Timings interface {
	UpdateInference(d time.Duration)
	UpdateCycle(d time.Duration)
}

// Observer is called at the end of every non-skipped cycle with the oriented
// frame. The frame is only valid for the duration of the call.
type Observer func(frame gocv.Mat, report CycleReport)

// SupervisorConfig holds the escalation thresholds and home pose.
type SupervisorConfig struct {
	Orientation Orientation

	// Home is the normalized pose returned to after prolonged loss.
	Home          ptz.Position
	HomeTolerance float64
	// HomeTimeout bounds the return-home wait; 0 waits until converged.
	HomeTimeout time.Duration

	CoastFrames              int // lost cycles that reuse the last error
	ResetFrames              int // lost cycles after which the search bias applies
	FramesBeforeReturnToHome int
	ZoomDecayStep            float64
	SearchPanBias            float64
	LimitZoomOutToHome       bool
}

// DefaultSupervisorConfig returns the thresholds the cameras were tuned with.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HomeTolerance:            0.05,
		CoastFrames:              10,
		ResetFrames:              30,
		FramesBeforeReturnToHome: 200,
		ZoomDecayStep:            0.05,
	}
}

// State is the supervisor's per-run control state.
type State struct {
	Phase                 Phase
	FramesSinceLastTarget int
	ZoomCommand           float64
	Err                   AxisError // camera-axis error carried between cycles
	// Homed is set once home has been visited during the current loss.
	Homed bool
}

// CycleReport describes what one Step did.
type CycleReport struct {
	Skipped               bool
	Phase                 Phase
	FramesSinceLastTarget int
	Box                   *BoundingBox
	Command               Command
	Position              ptz.Position
	Stopped               bool
	ReturnedHome          bool
	FrameWidth            int
	FrameHeight           int
}

// Supervisor runs the detect, control and command loop.
type Supervisor struct {
	cfg        SupervisorConfig
	frames     FrameSource
	detector   Detector
	camera     Camera
	controller *Controller

	recorder Recorder
	observer Observer
	timings  Timings

	state State
}

// NewSupervisor wires the loop together. Before the first detection the
// carried error is zero, so the opening coast cycles hold the camera still.
func NewSupervisor(cfg SupervisorConfig, frames FrameSource, detector Detector, camera Camera, controller *Controller) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		frames:     frames,
		detector:   detector,
		camera:     camera,
		controller: controller,
		state: State{
			Phase: PhaseReset,
		},
	}
}

// SetRecorder attaches an optional recorder.
func (s *Supervisor) SetRecorder(r Recorder) { s.recorder = r }

// SetObserver attaches an optional per-cycle observer.
func (s *Supervisor) SetObserver(o Observer) { s.observer = o }

// SetTimings attaches an optional latency sink.
func (s *Supervisor) SetTimings(t Timings) { s.timings = t }

// State returns a copy of the current control state.
func (s *Supervisor) State() State { return s.state }

// Home zooms out and moves to the home pose, waiting for convergence, then
// records a start-up frame if a recorder is attached.
func (s *Supervisor) Home(ctx context.Context) error {
	log.Info().Str("component", "TRACK").Stringer("home", s.cfg.Home).Msg("moving to home position")

	if err := s.camera.ZoomOutFull(ctx); err != nil {
		return err
	}
	if err := s.camera.AbsoluteMoveAndWaitTimeout(ctx, s.cfg.Home, s.cfg.HomeTolerance, s.cfg.HomeTimeout); err != nil {
		return fmt.Errorf("move to home: %w", err)
	}
	// Already home; the first loss episode need not go back.
	s.state.Homed = true

	if s.recorder == nil {
		return nil
	}
	frame, ok := s.frames.Frame()
	if !ok {
		return nil
	}
	defer frame.Close()
	oriented := OrientFrame(frame, s.cfg.Orientation)
	defer oriented.Close()

	pos, err := s.camera.GetPosition(ctx)
	if err != nil {
		return err
	}
	if sr, ok := s.recorder.(StartupRecorder); ok {
		return sr.RecordStartup(oriented, pos)
	}
	return s.recorder.Observe(oriented, pos, nil)
}

// Run steps until ctx is cancelled or a device or detector call fails. On
// cancellation the camera is stopped before returning ctx.Err(), including
// when the cancellation interrupts a cycle half way.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return s.stopOnCancel(ctx)
		}

		report, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.stopOnCancel(ctx)
			}
			return err
		}
		if report.Skipped {
			// Nothing new from the camera yet.
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// stopOnCancel halts the camera on a fresh context and returns ctx.Err().
func (s *Supervisor) stopOnCancel(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.camera.Stop(stopCtx); err != nil {
		log.Warn().Str("component", "TRACK").Err(err).Msg("final stop failed")
	}
	return ctx.Err()
}

// Step runs one control cycle. A cycle without a frame is skipped and
// leaves the state untouched.
func (s *Supervisor) Step(ctx context.Context) (CycleReport, error) {
	start := time.Now()

	raw, ok := s.frames.Frame()
	if !ok {
		return CycleReport{Skipped: true, Phase: s.state.Phase, FramesSinceLastTarget: s.state.FramesSinceLastTarget}, nil
	}
	defer raw.Close()

	frame := OrientFrame(raw, s.cfg.Orientation)
	defer frame.Close()
	width, height := frame.Cols(), frame.Rows()

	inferStart := time.Now()
	box, err := s.detector.Detect(frame)
	if err != nil {
		return CycleReport{}, fmt.Errorf("detect: %w", err)
	}
	if s.timings != nil {
		s.timings.UpdateInference(time.Since(inferStart))
	}

	pos, err := s.camera.GetPosition(ctx)
	if err != nil {
		return CycleReport{}, err
	}

	prev := s.state.Phase
	report := CycleReport{Box: box, Position: pos, FrameWidth: width, FrameHeight: height}

	var cmd Command
	if box != nil {
		var motorErr AxisError
		cmd, motorErr = s.controller.Compute(box, width, height, s.state.ZoomCommand)
		s.state = acquire(motorErr, cmd.Zoom)
	} else {
		s.state = escalate(s.state, s.cfg)
		cmd = s.controller.Drive(s.state.Err, s.state.ZoomCommand)
	}

	if s.state.Phase != prev {
		log.Info().Str("component", "TRACK").
			Int("frames_since_target", s.state.FramesSinceLastTarget).
			Msgf("%s -> %s", prev, s.state.Phase)
	}

	if s.state.Phase == PhaseReturningHome {
		if err := s.camera.AbsoluteMoveAndWaitTimeout(ctx, s.cfg.Home, s.cfg.HomeTolerance, s.cfg.HomeTimeout); err != nil {
			return CycleReport{}, fmt.Errorf("return home: %w", err)
		}
		report.ReturnedHome = true
		cmd = Command{}
	} else {
		if s.cfg.LimitZoomOutToHome && cmd.Zoom < 0 && pos.Zoom <= s.cfg.Home.Zoom {
			cmd.Zoom = 0
		}
		if cmd.Pan == 0 && cmd.Tilt == 0 && math.Abs(cmd.Zoom) < ptz.ZeroEpsilon {
			if err := s.camera.Stop(ctx); err != nil {
				return CycleReport{}, err
			}
			report.Stopped = true
		} else if err := s.camera.MoveWithZoom(ctx, cmd.Pan, cmd.Tilt, cmd.Zoom); err != nil {
			return CycleReport{}, err
		}
	}

	report.Phase = s.state.Phase
	report.FramesSinceLastTarget = s.state.FramesSinceLastTarget
	report.Command = cmd

	log.Debug().Str("component", "TRACK").
		Stringer("phase", report.Phase).Int("lost", report.FramesSinceLastTarget).
		Stringer("cmd", cmd).Stringer("pos", pos).Msg("cycle")

	if s.recorder != nil {
		if err := s.recorder.Observe(frame, pos, box); err != nil {
			log.Error().Str("component", "TRACK").Err(err).Msg("recording failed")
		}
	}
	if s.observer != nil {
		s.observer(frame, report)
	}
	if s.timings != nil {
		s.timings.UpdateCycle(time.Since(start))
	}
	return report, nil
}

// acquire starts a fresh state from this cycle's error and zoom.
func acquire(err AxisError, zoom float64) State {
	return State{
		Phase:                 PhaseAcquired,
		FramesSinceLastTarget: 0,
		ZoomCommand:           zoom,
		Err:                   err,
		Homed:                 false,
	}
}

// escalate advances the state by one cycle without a target.
func escalate(st State, cfg SupervisorConfig) State {
	st.FramesSinceLastTarget++
	n := st.FramesSinceLastTarget

	switch {
	case n <= cfg.CoastFrames:
		st.Phase = PhaseCoasting
		if n == 1 {
			// Never keep zooming in on an empty scene.
			st.ZoomCommand = math.Min(st.ZoomCommand, 0)
		}
	case n <= cfg.ResetFrames:
		st.Phase = PhaseReset
		st.Err = AxisError{}
		st.ZoomCommand = math.Max(st.ZoomCommand-cfg.ZoomDecayStep, -1)
	default:
		st.Phase = PhaseRecovering
		st.Err = AxisError{X: cfg.SearchPanBias}
		st.ZoomCommand = math.Max(st.ZoomCommand-cfg.ZoomDecayStep, -1)
	}

	if n > cfg.FramesBeforeReturnToHome && !st.Homed {
		st.Phase = PhaseReturningHome
		st.Homed = true
		st.Err = AxisError{}
		st.ZoomCommand = 0
	}
	return st
}
