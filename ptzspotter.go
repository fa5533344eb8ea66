package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"ptzspotter/capture"
	"ptzspotter/config"
	"ptzspotter/detection"
	"ptzspotter/overlay"
	"ptzspotter/ptz"
	"ptzspotter/recorder"
	"ptzspotter/stats"
	"ptzspotter/tracking"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

var (
	configPath = flag.String("config", "config.yaml", "YAML configuration file")
	debugMode  = flag.Bool("debug", false, "Enable debug logging (overrides LOG_LEVEL)")
	headless   = flag.Bool("headless", false, "Run without the viewer window (overrides HEADLESS)")
)

// The viewer window must be driven from the main OS thread.
func init() {
	runtime.LockOSThread()
}

// viewerFrame is a frame handed from the supervisor to the viewer loop.
type viewerFrame struct {
	img    gocv.Mat
	report tracking.CycleReport
}

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Str("component", "MAIN").Err(err).Str("config", *configPath).Msg("could not load configuration")
	}
	level := cfg.Level()
	if *debugMode {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if *headless {
		cfg.Headless = true
	}

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Str("component", "MAIN").Err(err).Msg("tracking stopped")
		os.Exit(1)
	}
	log.Info().Str("component", "MAIN").Msg("shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New()
	logStartup(cfg, runID)

	pipeline := stats.NewPipeline(stats.DefaultWindow)

	cam, err := capture.Open(cfg.CameraStreamURL(), pipeline)
	if err != nil {
		return err
	}
	defer cam.Close()

	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	device := ptz.NewDevice(transport, ptz.DefaultLimits())
	device.SetPollInterval(time.Duration(cfg.PollInterval))

	detector, err := detection.NewYOLO(cfg.Detector())
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	defer detector.Close()

	cc, profile, err := cfg.Controller()
	if err != nil {
		return err
	}
	controller := tracking.NewController(cc, cfg.OrientationValue(), profile.Zoom)
	sup := tracking.NewSupervisor(cfg.Supervisor(), cam, detector, device, controller)
	sup.SetTimings(pipeline)

	renderer := overlay.NewRenderer()
	gate, closeRecorder, err := newRecorder(cfg, runID, renderer)
	if err != nil {
		return err
	}
	if gate != nil {
		sup.SetRecorder(gate)
		defer closeRecorder()
	}

	var feed *overlay.Stream
	if cfg.OutputStreamAddr != "" {
		feed = overlay.NewStream()
		go func() {
			if err := feed.Serve(ctx, cfg.OutputStreamAddr); err != nil {
				log.Error().Str("component", "MAIN").Err(err).Msg("MJPEG stream stopped")
			}
		}()
	}

	var frames chan viewerFrame
	if !cfg.Headless {
		frames = make(chan viewerFrame, 1)
	}
	if frames != nil || feed != nil {
		sup.SetObserver(func(frame gocv.Mat, report tracking.CycleReport) {
			if feed != nil {
				annotated := frame.Clone()
				renderer.DrawReport(&annotated, report)
				if err := feed.Publish(annotated); err != nil {
					log.Debug().Str("component", "MAIN").Err(err).Msg("stream frame dropped")
				}
				annotated.Close()
			}
			if frames == nil {
				return
			}
			img := frame.Clone()
			select {
			case frames <- viewerFrame{img: img, report: report}:
			default:
				// Viewer is behind; drop this frame.
				img.Close()
			}
		})
	}

	if err := sup.Home(ctx); err != nil {
		return fmt.Errorf("initial homing: %w", err)
	}

	go reportStats(ctx, pipeline, time.Duration(cfg.StatsInterval))

	errc := make(chan error, 1)
	go func() { errc <- sup.Run(ctx) }()

	if cfg.Headless {
		return <-errc
	}
	return runViewer(stop, frames, errc, renderer)
}

// newTransport connects to the camera's PTZ service with the configured
// driver.
func newTransport(ctx context.Context, cfg *config.Config) (ptz.Transport, error) {
	switch cfg.Driver {
	case "hikvision":
		log.Info().Str("component", "PTZ").Str("host", cfg.DeviceHost()).Msg("using Hikvision ISAPI driver")
		return ptz.NewHikvisionTransport(cfg.DeviceHost(), cfg.User, cfg.Pass, cfg.Ranges()), nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		t, err := ptz.DialONVIF(dialCtx, ptz.ONVIFConfig{Host: cfg.DeviceHost(), User: cfg.User, Pass: cfg.Pass})
		if err != nil {
			return nil, fmt.Errorf("connect to ONVIF camera: %w", err)
		}
		log.Info().Str("component", "PTZ").Str("host", cfg.DeviceHost()).Str("profile", t.ProfileToken()).Msg("using ONVIF driver")
		return t, nil
	}
}

// newRecorder builds the recording gate when RECORD or RECORD_DB is set.
// The returned close function releases the CSV file and database.
func newRecorder(cfg *config.Config, runID uuid.UUID, renderer *overlay.Renderer) (*recorder.Gate, func(), error) {
	if !cfg.Record && cfg.RecordDB == "" {
		return nil, func() {}, nil
	}

	start := time.Now()
	var (
		stream *recorder.ImageStream
		policy *recorder.Policy
		opts   []recorder.GateOption
		closer []func() error
	)

	if cfg.Record {
		if err := os.MkdirAll(cfg.RecordFolder, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create record folder: %w", err)
		}
		s, err := recorder.NewImageStream(cfg.RecordFolder, cfg.Ranges(), start)
		if err != nil {
			return nil, nil, err
		}
		stream = s
		policy = recorder.NewPolicy(cfg.RecordPolicy(), start)
		closer = append(closer, s.Close)
		if cfg.DrawBox {
			opts = append(opts, recorder.WithBoxes(renderer))
		}
	}

	var dl *recorder.DetectionLog
	if cfg.RecordDB != "" {
		l, err := recorder.OpenDetectionLog(cfg.RecordDB, runID)
		if err != nil {
			for _, c := range closer {
				c()
			}
			return nil, nil, err
		}
		dl = l
		opts = append(opts, recorder.WithDetectionLog(l))
		log.Info().Str("component", "RECORD").Str("db", cfg.RecordDB).Str("run_id", runID.String()).Msg("detection log opened")
	}

	closeAll := func() {
		if dl != nil {
			if counts, err := dl.ClassCounts(); err == nil {
				log.Info().Str("component", "RECORD").Interface("detections", counts).Msg("run summary")
			}
			closer = append(closer, dl.Close)
		}
		for _, c := range closer {
			if err := c(); err != nil {
				log.Warn().Str("component", "RECORD").Err(err).Msg("close failed")
			}
		}
	}
	return recorder.NewGate(stream, policy, opts...), closeAll, nil
}

// runViewer shows annotated frames until the supervisor returns or the user
// presses q.
func runViewer(stop context.CancelFunc, frames <-chan viewerFrame, errc <-chan error, renderer *overlay.Renderer) error {
	window := gocv.NewWindow("ptzspotter")
	defer window.Close()

	for {
		select {
		case err := <-errc:
			return err
		case f := <-frames:
			renderer.DrawReport(&f.img, f.report)
			window.IMShow(f.img)
			f.img.Close()
		default:
		}

		if key := window.WaitKey(10); key == 'q' {
			log.Info().Str("component", "MAIN").Msg("quit requested from viewer")
			stop()
			return <-errc
		}
	}
}

func reportStats(ctx context.Context, p *stats.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats.LogReport(p.Report())
		}
	}
}

func logStartup(cfg *config.Config, runID uuid.UUID) {
	log.Info().Str("component", "MAIN").
		Str("run_id", runID.String()).
		Str("stream", capture.Redact(cfg.CameraStreamURL())).
		Str("driver", cfg.Driver).
		Str("orientation", cfg.Orientation).
		Str("profile", cfg.Profile).
		Strs("tracked", cfg.TrackedClass).
		Float64("conf_threshold", cfg.ConfThreshold).
		Floats64("init_pos", cfg.InitPos).
		Bool("record", cfg.Record).
		Bool("headless", cfg.Headless).
		Msg("starting")
	if cfg.Record && cfg.TimelapseDelay > 0 {
		log.Info().Str("component", "MAIN").Float64("seconds", cfg.TimelapseDelay).Msg("timelapse frames enabled")
	}
}
