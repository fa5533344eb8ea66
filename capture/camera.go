// Package capture keeps the most recent frame of a live video stream
// available to a synchronous consumer.
package capture

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// ErrNoFrame is returned by Open when the stream yields no first frame.
var ErrNoFrame = errors.New("capture: no frame from stream")

// frameReader is the part of gocv.VideoCapture the reader loop uses.
type frameReader interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// CaptureTimings receives the duration of each successful read.
type CaptureTimings interface {
	UpdateCapture(d time.Duration)
}

// Camera reads frames on a background goroutine into a single slot. Readers
// get a copy of whatever is in the slot and never wait for the stream.
type Camera struct {
	reader  frameReader
	timings CaptureTimings

	mu     sync.Mutex
	latest *gocv.Mat // nil after a failed read

	frames   atomic.Uint64
	failures atomic.Uint64

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Open connects to a stream URL (or device index string) and starts reading.
func Open(url string, timings CaptureTimings) (*Camera, error) {
	// Low latency RTSP over TCP; must be set before the capture is created.
	if os.Getenv("OPENCV_FFMPEG_CAPTURE_OPTIONS") == "" {
		os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", "rtsp_transport;tcp|buffer_size;65536|stimeout;5000000")
	}

	vc, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open stream: capture not opened")
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	log.Info().Str("component", "CAPTURE").Str("url", Redact(url)).Msg("stream opened")
	return newCamera(vc, timings)
}

func newCamera(r frameReader, timings CaptureTimings) (*Camera, error) {
	c := &Camera{
		reader:  r,
		timings: timings,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	first := gocv.NewMat()
	if ok := r.Read(&first); !ok || first.Empty() {
		first.Close()
		r.Close()
		return nil, ErrNoFrame
	}
	c.latest = &first
	c.frames.Add(1)

	log.Info().Str("component", "CAPTURE").
		Int("width", first.Cols()).Int("height", first.Rows()).
		Msg("stream opened")

	go c.readLoop()
	return c, nil
}

func (c *Camera) readLoop() {
	defer close(c.stopped)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		readStart := time.Now()
		img := gocv.NewMat()
		if ok := c.reader.Read(&img); !ok || img.Empty() {
			img.Close()
			c.swap(nil)
			if c.failures.Add(1)%100 == 1 {
				log.Warn().Str("component", "CAPTURE").
					Uint64("failures", c.failures.Load()).
					Msg("failed to read frame from stream")
			}
			// Dead streams return immediately; avoid spinning a core.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if c.timings != nil {
			c.timings.UpdateCapture(time.Since(readStart))
		}
		c.frames.Add(1)
		c.swap(&img)
	}
}

// swap installs img as the latest frame and releases the previous one.
func (c *Camera) swap(img *gocv.Mat) {
	c.mu.Lock()
	old := c.latest
	c.latest = img
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Frame returns a copy of the latest frame. ok is false before the first
// frame and after a failed read. The caller owns the returned Mat.
func (c *Camera) Frame() (gocv.Mat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return gocv.Mat{}, false
	}
	return c.latest.Clone(), true
}

// Stats returns how many frames were read and how many reads failed.
func (c *Camera) Stats() (frames, failures uint64) {
	return c.frames.Load(), c.failures.Load()
}

// Close stops the reader goroutine and releases the stream.
func (c *Camera) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		<-c.stopped
		c.swap(nil)
		err = c.reader.Close()
	})
	return err
}
