// Package annotate draws detection overlays onto frames for the preview
// streams.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
)

var (
	robotColor  = color.RGBA{R: 0, G: 0, B: 255, A: 255}
	cornerColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	otherColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
)

// ColorFor returns the overlay colour of a label: blue for robots, red for
// wall corners and green for everything else.
func ColorFor(label string) color.RGBA {
	switch label {
	case "robot":
		return robotColor
	case "wall_corner":
		return cornerColor
	default:
		return otherColor
	}
}

// Label formats the caption of a detection, e.g. "robot 87%: 1.25m". An
// unknown range prints as "??m".
func Label(d detection.Detection) string {
	dist := "??m"
	if d.Distance != nil {
		dist = fmt.Sprintf("%.2fm", *d.Distance)
	}
	s := fmt.Sprintf("%s %.0f%%: %s", d.Label, d.Confidence*100, dist)
	if d.TrackID != nil {
		s += fmt.Sprintf(" #%d", *d.TrackID)
	}
	return s
}

// Annotator draws boxes and captions.
type Annotator struct {
	Face      font.Face
	Thickness int
}

// New returns an Annotator using the built-in 7x13 bitmap face.
func New() *Annotator {
	return &Annotator{Face: basicfont.Face7x13, Thickness: 2}
}

// Draw returns a copy of f with every detection outlined and captioned. f
// itself is not modified. Returns nil for a nil frame.
func (a *Annotator) Draw(f *frame.Frame, dets []detection.Detection) *frame.Frame {
	out := f.Clone()
	if out == nil || out.Image == nil {
		return out
	}
	for _, d := range dets {
		col := ColorFor(d.Label)
		r := image.Rect(int(d.BBox.X1), int(d.BBox.Y1), int(d.BBox.X2), int(d.BBox.Y2)).Intersect(out.Image.Rect)
		if r.Empty() {
			continue
		}
		a.outline(out.Image, r, col)
		a.caption(out.Image, r, Label(d), col)
	}
	return out
}

func (a *Annotator) outline(img *image.RGBA, r image.Rectangle, col color.RGBA) {
	t := a.Thickness
	if t < 1 {
		t = 1
	}
	src := image.NewUniform(col)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// caption writes text just above the box, or inside its top edge when the
// box touches the top of the frame.
func (a *Annotator) caption(img *image.RGBA, r image.Rectangle, text string, col color.RGBA) {
	face := a.Face
	if face == nil {
		face = basicfont.Face7x13
	}
	m := face.Metrics()
	ascent := m.Ascent.Ceil()
	y := r.Min.Y - 3
	if y-ascent < img.Rect.Min.Y {
		y = r.Min.Y + ascent + a.Thickness
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(r.Min.X, y),
	}
	d.DrawString(text)
}
