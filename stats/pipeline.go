package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// Stage names used by the tracking loop.
const (
	StageCapture   = "capture"
	StageInference = "inference"
	StageCycle     = "cycle"
)

// DefaultWindow is the number of samples kept per stage between reports.
const DefaultWindow = 1000

// StageReport summarizes one stage's latencies since the previous report.
type StageReport struct {
	Stage  string
	Count  int
	Rate   float64 // samples per second over the report window
	Mean   time.Duration
	StdDev time.Duration
	P95    time.Duration
}

// Pipeline tracks latency samples for the capture, inference and control
// stages. Safe for concurrent use: capture updates from its reader
// goroutine while the supervisor updates the other stages.
type Pipeline struct {
	mu         sync.Mutex
	window     int
	samples    map[string][]float64 // seconds
	counts     map[string]int
	lastReport time.Time
	now        func() time.Time
}

// NewPipeline creates a tracker keeping at most window samples per stage.
func NewPipeline(window int) *Pipeline {
	if window <= 0 {
		window = DefaultWindow
	}
	p := &Pipeline{
		window:  window,
		samples: make(map[string][]float64),
		counts:  make(map[string]int),
		now:     time.Now,
	}
	p.lastReport = p.now()
	return p
}

// UpdateCapture records the time taken to read one frame.
func (p *Pipeline) UpdateCapture(d time.Duration) { p.add(StageCapture, d) }

// UpdateInference records one detector call.
func (p *Pipeline) UpdateInference(d time.Duration) { p.add(StageInference, d) }

// UpdateCycle records one full control cycle.
func (p *Pipeline) UpdateCycle(d time.Duration) { p.add(StageCycle, d) }

func (p *Pipeline) add(stage string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := append(p.samples[stage], d.Seconds())
	if len(s) > p.window {
		s = s[len(s)-p.window:]
	}
	p.samples[stage] = s
	p.counts[stage]++
}

// Report summarizes every stage and resets the windows. Stages without
// samples report zero counts.
func (p *Pipeline) Report() []StageReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	elapsed := now.Sub(p.lastReport).Seconds()
	if elapsed <= 0 {
		elapsed = 1 // Prevent division by zero
	}

	reports := make([]StageReport, 0, 3)
	for _, stage := range []string{StageCapture, StageInference, StageCycle} {
		r := StageReport{Stage: stage, Count: p.counts[stage]}
		r.Rate = float64(r.Count) / elapsed

		if s := p.samples[stage]; len(s) > 0 {
			sorted := make([]float64, len(s))
			copy(sorted, s)
			sort.Float64s(sorted)

			mean, std := stat.MeanStdDev(sorted, nil)
			if len(sorted) < 2 {
				std = 0
			}
			r.Mean = seconds(mean)
			r.StdDev = seconds(std)
			r.P95 = seconds(stat.Quantile(0.95, stat.Empirical, sorted, nil))
		}
		reports = append(reports, r)
	}

	p.samples = make(map[string][]float64)
	p.counts = make(map[string]int)
	p.lastReport = now
	return reports
}

// LogReport emits one info line per stage.
func LogReport(reports []StageReport) {
	for _, r := range reports {
		log.Info().Str("component", "STATS").
			Str("stage", r.Stage).
			Int("count", r.Count).
			Float64("rate", r.Rate).
			Dur("mean", r.Mean).
			Dur("stddev", r.StdDev).
			Dur("p95", r.P95).
			Msg("pipeline performance")
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
