package detection

import (
	"fmt"
	"image"

	"ptzspotter/tracking"

	"gocv.io/x/gocv"
)

// Candidate is one raw detection before target selection.
type Candidate struct {
	Rect       image.Rectangle
	ClassID    int
	Confidence float64
}

// outputLayout says how to read one row of network output.
type outputLayout struct {
	scoreOffset int  // index of the first class score
	objectness  bool // class scores are scaled by column 4
	inputPixels bool // box is in network input pixels rather than 0..1
}

var (
	// Darknet cfg/weights through the OpenCV region layer.
	darknetLayout = outputLayout{scoreOffset: 5}
	// YOLOv5 ONNX export, [1, N, 5+C].
	yolov5Layout = outputLayout{scoreOffset: 5, objectness: true, inputPixels: true}
	// YOLOv8 ONNX export, [1, 4+C, N].
	yolov8Layout = outputLayout{scoreOffset: 4, inputPixels: true}
)

// outputRows splits a flat output tensor of shape dims into one row per
// detection. A three-dimensional output whose middle axis is shorter than the
// last is stored attribute-major and is transposed. The rows never alias data.
func outputRows(dims []int, data []float32) ([][]float32, outputLayout, error) {
	var (
		n, k       int
		layout     outputLayout
		transposed bool
	)
	switch {
	case len(dims) == 2:
		n, k, layout = dims[0], dims[1], darknetLayout
	case len(dims) == 3 && dims[0] == 1 && dims[1] >= dims[2]:
		n, k, layout = dims[1], dims[2], yolov5Layout
	case len(dims) == 3 && dims[0] == 1:
		n, k, layout, transposed = dims[2], dims[1], yolov8Layout, true
	default:
		return nil, outputLayout{}, fmt.Errorf("unsupported network output shape %v", dims)
	}
	if n < 0 || k < 0 || len(data) < n*k {
		return nil, outputLayout{}, fmt.Errorf("network output shape %v does not match %d values", dims, len(data))
	}

	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, k)
		for j := range row {
			if transposed {
				row[j] = data[j*n+i]
			} else {
				row[j] = data[i*k+j]
			}
		}
		rows[i] = row
	}
	return rows, layout, nil
}

// parseRows decodes output rows of the form [cx, cy, w, h, (objectness),
// class scores...] into frame pixel boxes. Rows whose best class score is
// below confThreshold are dropped.
func parseRows(rows [][]float32, layout outputLayout, frame, input image.Point, confThreshold float64) []Candidate {
	sx, sy := float64(frame.X), float64(frame.Y)
	if layout.inputPixels {
		sx /= float64(input.X)
		sy /= float64(input.Y)
	}

	var out []Candidate
	for _, row := range rows {
		if len(row) <= layout.scoreOffset {
			continue
		}
		classID, best := 0, float32(-1)
		for i, s := range row[layout.scoreOffset:] {
			if s > best {
				classID, best = i, s
			}
		}
		conf := float64(best)
		if layout.objectness {
			conf *= float64(row[4])
		}
		if conf < confThreshold {
			continue
		}

		cx := float64(row[0]) * sx
		cy := float64(row[1]) * sy
		w := float64(row[2]) * sx
		h := float64(row[3]) * sy
		left := int(cx - w/2)
		top := int(cy - h/2)

		out = append(out, Candidate{
			Rect:       image.Rect(left, top, left+int(w), top+int(h)),
			ClassID:    classID,
			Confidence: conf,
		})
	}
	return out
}

// NonMaxSuppression keeps the most confident of any group of candidates
// overlapping by more than nmsThreshold, regardless of class. The result is
// ordered by descending confidence.
func NonMaxSuppression(cands []Candidate, confThreshold, nmsThreshold float64) []Candidate {
	if len(cands) == 0 {
		return nil
	}
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		rects[i] = c.Rect
		scores[i] = float32(c.Confidence)
	}

	indices := gocv.NMSBoxes(rects, scores, float32(confThreshold), float32(nmsThreshold))
	kept := make([]Candidate, 0, len(indices))
	for _, i := range indices {
		kept = append(kept, cands[i])
	}
	return kept
}

// SelectTarget returns the most confident candidate whose class is tracked,
// clipped to the frame, or nil.
func SelectTarget(cands []Candidate, classNames []string, tracked map[string]bool, frame image.Rectangle) *tracking.BoundingBox {
	var best *Candidate
	for i := range cands {
		c := &cands[i]
		if c.ClassID < 0 || c.ClassID >= len(classNames) || !tracked[classNames[c.ClassID]] {
			continue
		}
		if best == nil || c.Confidence > best.Confidence {
			best = c
		}
	}
	if best == nil {
		return nil
	}

	r := best.Rect.Intersect(frame)
	if r.Empty() {
		return nil
	}
	return &tracking.BoundingBox{
		X:          r.Min.X,
		Y:          r.Min.Y,
		Width:      r.Dx(),
		Height:     r.Dy(),
		ClassID:    best.ClassID,
		ClassName:  classNames[best.ClassID],
		Confidence: best.Confidence,
	}
}
