// Package detection runs a YOLO network through the OpenCV DNN module and
// reduces its output to the single best box of a tracked class.
package detection

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ptzspotter/tracking"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// Backend selects where inference runs.
type Backend string

const (
	BackendAuto Backend = "auto"
	BackendCPU  Backend = "cpu"
	BackendCUDA Backend = "cuda"
)

// Options configures the network and filtering.
type Options struct {
	WeightsPath    string
	ConfigPath     string
	NamesPath      string
	InputWidth     int
	InputHeight    int
	ConfThreshold  float64
	NMSThreshold   float64
	TrackedClasses []string
	Backend        Backend
}

// ProviderInfo describes the backend that was initialized.
type ProviderInfo struct {
	Type     string // "GPU" or "CPU"
	Backend  string
	InitTime time.Duration
}

// YOLO is a gocv DNN detector. It is safe for use from one goroutine at a
// time; calls are serialized.
type YOLO struct {
	net        gocv.Net
	outNames   []string
	classNames []string
	tracked    map[string]bool
	opts       Options
	info       ProviderInfo
	mu         sync.Mutex
}

// NewYOLO loads the network. With BackendAuto it tries CUDA when an NVIDIA
// GPU is present and falls back to CPU if the test inference fails.
func NewYOLO(opts Options) (*YOLO, error) {
	classNames, err := loadClassNames(opts.NamesPath)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]bool, len(opts.TrackedClasses))
	for _, c := range opts.TrackedClasses {
		tracked[c] = true
	}

	if opts.Backend == BackendCUDA || (opts.Backend == BackendAuto && hasGPUCapability()) {
		y, err := newYOLO(opts, classNames, tracked, BackendCUDA)
		if err == nil {
			if y.selfTest() {
				return y, nil
			}
			y.Close()
			err = fmt.Errorf("test inference failed")
		}
		if opts.Backend == BackendCUDA {
			return nil, fmt.Errorf("cuda backend unavailable: %v", err)
		}
		log.Warn().Str("component", "DETECT").Msg("GPU initialization failed, falling back to CPU")
	}
	return newYOLO(opts, classNames, tracked, BackendCPU)
}

func newYOLO(opts Options, classNames []string, tracked map[string]bool, backend Backend) (*YOLO, error) {
	start := time.Now()

	net := gocv.ReadNet(opts.WeightsPath, opts.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO network from %s and %s", opts.WeightsPath, opts.ConfigPath)
	}

	info := ProviderInfo{Type: "CPU", Backend: "OpenCV CPU"}
	if backend == BackendCUDA {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
		info = ProviderInfo{Type: "GPU", Backend: "OpenCV CUDA"}
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	var outNames []string
	layers := net.GetLayerNames()
	for _, id := range net.GetUnconnectedOutLayers() {
		if id > 0 && id <= len(layers) {
			outNames = append(outNames, layers[id-1])
		}
	}

	y := &YOLO{
		net:        net,
		outNames:   outNames,
		classNames: classNames,
		tracked:    tracked,
		opts:       opts,
	}
	info.InitTime = time.Since(start)
	y.info = info

	log.Info().Str("component", "DETECT").
		Str("backend", info.Backend).Dur("init", info.InitTime).
		Int("classes", len(classNames)).Strs("outputs", outNames).
		Msg("detector initialized")
	return y, nil
}

func loadClassNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read class names: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(b), "\n") {
		names = append(names, strings.TrimSpace(line))
	}
	for len(names) > 0 && names[len(names)-1] == "" {
		names = names[:len(names)-1]
	}
	return names, nil
}

// ModelFiles joins the model directory with the configured file names. An
// empty config file stays empty, for single-file formats such as ONNX.
func ModelFiles(dir, configFile, weightsFile, namesFile string) (config, weights, names string) {
	if configFile != "" {
		config = filepath.Join(dir, configFile)
	}
	return config, filepath.Join(dir, weightsFile), filepath.Join(dir, namesFile)
}

// selfTest runs one inference on a blank frame to prove the backend works.
func (y *YOLO) selfTest() bool {
	frame := gocv.NewMatWithSize(y.opts.InputHeight, y.opts.InputWidth, gocv.MatTypeCV8UC3)
	defer frame.Close()
	_, err := y.Candidates(frame)
	return err == nil
}

// Info returns the initialized backend.
func (y *YOLO) Info() ProviderInfo {
	return y.info
}

// ClassNames returns the label list loaded with the model.
func (y *YOLO) ClassNames() []string {
	return y.classNames
}

// Candidates runs the network and returns every detection above the
// confidence threshold after non-max suppression.
func (y *YOLO) Candidates(frame gocv.Mat) ([]Candidate, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	y.mu.Lock()
	defer y.mu.Unlock()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, image.Pt(y.opts.InputWidth, y.opts.InputHeight),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	y.net.SetInput(blob, "")

	var outputs []gocv.Mat
	if len(y.outNames) > 0 {
		outputs = y.net.ForwardLayers(y.outNames)
	} else {
		outputs = []gocv.Mat{y.net.Forward("")}
	}
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	var rows [][]float32
	layout := darknetLayout
	for i := range outputs {
		r, l, err := matRows(outputs[i])
		if err != nil {
			return nil, err
		}
		rows = append(rows, r...)
		layout = l
	}

	cands := parseRows(rows, layout, image.Pt(frame.Cols(), frame.Rows()),
		image.Pt(y.opts.InputWidth, y.opts.InputHeight), y.opts.ConfThreshold)
	return NonMaxSuppression(cands, y.opts.ConfThreshold, y.opts.NMSThreshold), nil
}

func matRows(m gocv.Mat) ([][]float32, outputLayout, error) {
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, outputLayout{}, fmt.Errorf("read network output: %w", err)
	}
	return outputRows(m.Size(), data)
}

// Detect returns the most confident tracked-class box, or nil.
func (y *YOLO) Detect(frame gocv.Mat) (*tracking.BoundingBox, error) {
	cands, err := y.Candidates(frame)
	if err != nil {
		return nil, err
	}
	box := SelectTarget(cands, y.classNames, y.tracked, image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if box != nil {
		log.Debug().Str("component", "DETECT").Stringer("box", box).Int("candidates", len(cands)).Msg("target")
	}
	return box, nil
}

// Close releases the network.
func (y *YOLO) Close() error {
	return y.net.Close()
}
