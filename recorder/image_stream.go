package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"ptzspotter/ptz"
	"ptzspotter/tracking"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// SessionLayout is the timestamp format for session folder and CSV names.
const SessionLayout = "2006-01-02T15-04-05"

var csvHeader = []string{"IMAGE_FILE", "PAN_ANGLE", "TILT_ANGLE", "ZOOM_POWER", "CLASS", "SCORE", "X", "Y", "W", "H"}

// ImageStream writes JPEG frames into a session folder and appends one CSV
// row of PTZ state and detection metadata per frame.
type ImageStream struct {
	imageDir string
	csvPath  string
	ranges   ptz.Ranges

	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewImageStream creates <folder>/<session>_images/ and <folder>/<session>.csv
// and writes the CSV header.
func NewImageStream(folder string, ranges ptz.Ranges, start time.Time) (*ImageStream, error) {
	session := start.Format(SessionLayout)
	imageDir := filepath.Join(folder, session+"_images")

	if _, err := os.Stat(imageDir); err == nil {
		log.Warn().Str("component", "RECORD").Str("dir", imageDir).
			Msg("image folder already exists, frames from two runs may share it")
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image folder: %w", err)
	}

	csvPath := filepath.Join(folder, session+".csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return nil, fmt.Errorf("create record file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write record header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("write record header: %w", err)
	}

	log.Info().Str("component", "RECORD").Str("csv", csvPath).Str("images", imageDir).Msg("recording session started")
	return &ImageStream{imageDir: imageDir, csvPath: csvPath, ranges: ranges, file: f, w: w}, nil
}

// ImageDir returns the folder images are written to.
func (s *ImageStream) ImageDir() string { return s.imageDir }

// CSVPath returns the path of the session CSV file.
func (s *ImageStream) CSVPath() string { return s.csvPath }

// ImageName returns the file name for a frame captured at t, with
// millisecond resolution.
func ImageName(t time.Time) string {
	return fmt.Sprintf("%s_%03d.jpg", t.Format(SessionLayout), t.Nanosecond()/int(time.Millisecond))
}

// RecordImage writes frame as a JPEG named after at and appends its CSV row.
// A nil box records zero score and zero box fields.
func (s *ImageStream) RecordImage(frame gocv.Mat, at time.Time, pos ptz.Position, className string, box *tracking.BoundingBox) (string, error) {
	name := ImageName(at)
	if !gocv.IMWrite(filepath.Join(s.imageDir, name), frame) {
		return "", fmt.Errorf("write image %s: encoder failed", name)
	}

	panDeg, tiltDeg, power := s.ranges.ToPhysical(pos)
	row := []string{
		name,
		strconv.FormatFloat(panDeg, 'f', 2, 64),
		strconv.FormatFloat(tiltDeg, 'f', 2, 64),
		strconv.FormatFloat(power, 'f', 2, 64),
		className,
	}
	if box != nil {
		row = append(row,
			strconv.FormatFloat(100*box.Confidence, 'f', 1, 64),
			strconv.Itoa(box.X), strconv.Itoa(box.Y), strconv.Itoa(box.Width), strconv.Itoa(box.Height))
	} else {
		row = append(row, "0.0", "0", "0", "0", "0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return "", errors.New("image stream closed")
	}
	if err := s.w.Write(row); err != nil {
		return "", fmt.Errorf("append record: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return "", fmt.Errorf("append record: %w", err)
	}
	return name, nil
}

// Close flushes and closes the CSV file.
func (s *ImageStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	s.w = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
