// Package frame holds the pixel buffers that flow from capture to the
// pipeline: the Frame type, the per-camera latest-frame Slot and the stereo
// Cropper.
//
// Frames are plain image.RGBA buffers so that everything downstream of the
// capture adapters stays free of cgo.
package frame

import (
	"image"
	"image/draw"
	"time"
)

// Frame is one captured image from a single camera.
type Frame struct {
	Image    *image.RGBA
	Camera   int
	Seq      uint64
	Captured time.Time
}

// New allocates a blank w x h frame.
func New(w, h int) *Frame {
	return &Frame{Image: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// FromImage copies img into a new frame. The copy is rebased so that the
// frame's bounds start at the origin.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return &Frame{Image: dst}
}

// Width returns the frame width in pixels. A nil frame has zero width.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// Clone returns a deep copy. Cloning nil returns nil.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	if f.Image != nil {
		img := *f.Image
		img.Pix = make([]uint8, len(f.Image.Pix))
		copy(img.Pix, f.Image.Pix)
		out.Image = &img
	}
	return &out
}

// HStack places frames side by side, top aligned, in the order given. Nil
// frames are skipped. Returns nil when no frame is present.
func HStack(frames ...*Frame) *Frame {
	w, h := 0, 0
	for _, f := range frames {
		if f == nil || f.Image == nil {
			continue
		}
		w += f.Width()
		if f.Height() > h {
			h = f.Height()
		}
	}
	if w == 0 {
		return nil
	}

	out := New(w, h)
	x := 0
	for _, f := range frames {
		if f == nil || f.Image == nil {
			continue
		}
		r := image.Rect(x, 0, x+f.Width(), f.Height())
		draw.Draw(out.Image, r, f.Image, f.Image.Rect.Min, draw.Src)
		x += f.Width()
	}
	return out
}
