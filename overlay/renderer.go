package overlay

import (
	"fmt"
	"image"
	"image/color"

	"ptzspotter/tracking"

	"gocv.io/x/gocv"
)

// Renderer draws the tracking HUD onto frames for the live viewer and for
// recorded images.
type Renderer struct {
	targetGreen color.RGBA
	coastAmber  color.RGBA
	lostRed     color.RGBA
	systemBlue  color.RGBA
	textWhite   color.RGBA
}

// NewRenderer creates a renderer with the default palette.
func NewRenderer() *Renderer {
	return &Renderer{
		targetGreen: color.RGBA{R: 0x11, G: 0x8a, B: 0x28, A: 255},
		coastAmber:  color.RGBA{R: 0xff, G: 0xbf, B: 0x00, A: 255},
		lostRed:     color.RGBA{R: 0xff, G: 0x33, B: 0x33, A: 255},
		systemBlue:  color.RGBA{R: 0x00, G: 0x7f, B: 0xff, A: 255},
		textWhite:   color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 255},
	}
}

// DrawTarget draws corner brackets, a center crosshair and a class label
// for the selected detection.
func (r *Renderer) DrawTarget(img *gocv.Mat, box tracking.BoundingBox) {
	rect := box.Rect()
	c := r.targetGreen
	c.A = uint8(200 + 55*clamp01(box.Confidence))

	length := min(15, rect.Dx()/3, rect.Dy()/3)
	if length < 2 {
		gocv.Rectangle(img, rect, c, 2)
	} else {
		r.drawCornerBrackets(img, rect, c, 2, length)
	}

	cx, cy := box.Center()
	r.drawCrosshair(img, image.Point{int(cx), int(cy)}, 12, 3, c)

	label := fmt.Sprintf("%s (%.0f%%)", box.ClassName, box.Confidence*100)
	labelPos := image.Point{rect.Min.X, rect.Min.Y - 8}
	// Keep the label inside the frame.
	if labelPos.Y < 15 {
		labelPos.Y = rect.Max.Y + 20
	}
	gocv.PutText(img, label, labelPos, gocv.FontHersheySimplex, 0.5, c, 1)
}

// DrawReport draws the frame-center reticle and a status line for one
// supervisor cycle, plus the target when one was detected.
func (r *Renderer) DrawReport(img *gocv.Mat, report tracking.CycleReport) {
	if img.Empty() {
		return
	}
	if report.Box != nil {
		r.DrawTarget(img, *report.Box)
	}

	center := image.Point{img.Cols() / 2, img.Rows() / 2}
	r.drawCrosshair(img, center, 20, 6, r.systemBlue)

	status := fmt.Sprintf("%s  lost=%d  cmd %s", report.Phase, report.FramesSinceLastTarget, report.Command)
	gocv.PutText(img, status, image.Point{10, 25}, gocv.FontHersheySimplex, 0.6, r.phaseColor(report.Phase), 2)

	pos := fmt.Sprintf("ptz %s", report.Position)
	gocv.PutText(img, pos, image.Point{10, 50}, gocv.FontHersheySimplex, 0.5, r.textWhite, 1)
}

func (r *Renderer) phaseColor(p tracking.Phase) color.RGBA {
	switch p {
	case tracking.PhaseAcquired:
		return r.targetGreen
	case tracking.PhaseCoasting:
		return r.coastAmber
	case tracking.PhaseReturningHome:
		return r.systemBlue
	default:
		return r.lostRed
	}
}

// drawCrosshair draws four arms around center with a gap and a center dot.
func (r *Renderer) drawCrosshair(img *gocv.Mat, center image.Point, size, gap int, c color.RGBA) {
	gocv.Line(img, image.Point{center.X - size, center.Y}, image.Point{center.X - gap, center.Y}, c, 2)
	gocv.Line(img, image.Point{center.X + gap, center.Y}, image.Point{center.X + size, center.Y}, c, 2)
	gocv.Line(img, image.Point{center.X, center.Y - size}, image.Point{center.X, center.Y - gap}, c, 2)
	gocv.Line(img, image.Point{center.X, center.Y + gap}, image.Point{center.X, center.Y + size}, c, 2)
	gocv.Circle(img, center, 2, c, -1)
}

// drawCornerBrackets draws military-style corner brackets
func (r *Renderer) drawCornerBrackets(img *gocv.Mat, rect image.Rectangle, c color.RGBA, thickness, length int) {
	// Top-left corner
	gocv.Line(img, rect.Min, image.Point{rect.Min.X + length, rect.Min.Y}, c, thickness)
	gocv.Line(img, rect.Min, image.Point{rect.Min.X, rect.Min.Y + length}, c, thickness)

	// Top-right corner
	gocv.Line(img, image.Point{rect.Max.X, rect.Min.Y}, image.Point{rect.Max.X - length, rect.Min.Y}, c, thickness)
	gocv.Line(img, image.Point{rect.Max.X, rect.Min.Y}, image.Point{rect.Max.X, rect.Min.Y + length}, c, thickness)

	// Bottom-left corner
	gocv.Line(img, image.Point{rect.Min.X, rect.Max.Y}, image.Point{rect.Min.X + length, rect.Max.Y}, c, thickness)
	gocv.Line(img, image.Point{rect.Min.X, rect.Max.Y}, image.Point{rect.Min.X, rect.Max.Y - length}, c, thickness)

	// Bottom-right corner
	gocv.Line(img, rect.Max, image.Point{rect.Max.X - length, rect.Max.Y}, c, thickness)
	gocv.Line(img, rect.Max, image.Point{rect.Max.X, rect.Max.Y - length}, c, thickness)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
