package frame

import (
	"fmt"
	"image"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/banshee-data/robot.navigator/internal/fsutil"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
)

// Cropper extracts the calibrated region of interest from a stereo pair.
// Implementations return (nil, nil) when either input is nil and never
// modify their inputs.
type Cropper interface {
	Crop(left, right *Frame) (*Frame, *Frame)
}

// CropConfig is the per-camera crop origin plus a size shared by both
// cameras.
type CropConfig struct {
	LeftX  int `json:"left_crop_x"`
	LeftY  int `json:"left_crop_y"`
	RightX int `json:"right_crop_x"`
	RightY int `json:"right_crop_y"`
	Width  int `json:"crop_width"`
	Height int `json:"crop_height"`
}

// LeftRect returns the left camera's region in source coordinates.
func (c CropConfig) LeftRect() image.Rectangle {
	return image.Rect(c.LeftX, c.LeftY, c.LeftX+c.Width, c.LeftY+c.Height)
}

// RightRect returns the right camera's region in source coordinates.
func (c CropConfig) RightRect() image.Rectangle {
	return image.Rect(c.RightX, c.RightY, c.RightX+c.Width, c.RightY+c.Height)
}

// Validate checks that the crop size is positive and the origins are not
// negative.
func (c CropConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("crop size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.LeftX < 0 || c.LeftY < 0 || c.RightX < 0 || c.RightY < 0 {
		return fmt.Errorf("crop origins must be non-negative")
	}
	return nil
}

var cropKeys = []string{"left_crop_x", "left_crop_y", "right_crop_x", "right_crop_y", "crop_width", "crop_height"}

// ParseCropConfig reads a crop calibration document. Every key is required.
func ParseCropConfig(data []byte) (CropConfig, error) {
	if !gjson.ValidBytes(data) {
		return CropConfig{}, fmt.Errorf("crop calibration is not valid JSON")
	}
	results := gjson.GetManyBytes(data, cropKeys...)
	for i, r := range results {
		if !r.Exists() {
			return CropConfig{}, fmt.Errorf("crop calibration missing %q", cropKeys[i])
		}
		if r.Type != gjson.Number {
			return CropConfig{}, fmt.Errorf("crop calibration %q must be a number, got %s", cropKeys[i], r.Type)
		}
	}
	cfg := CropConfig{
		LeftX:  int(results[0].Int()),
		LeftY:  int(results[1].Int()),
		RightX: int(results[2].Int()),
		RightY: int(results[3].Int()),
		Width:  int(results[4].Int()),
		Height: int(results[5].Int()),
	}
	if err := cfg.Validate(); err != nil {
		return CropConfig{}, err
	}
	return cfg, nil
}

// LoadCropConfig reads and parses the crop calibration file at path.
func LoadCropConfig(path string) (CropConfig, error) {
	data, err := fsutil.ReadFile(path)
	if err != nil {
		return CropConfig{}, fmt.Errorf("failed to read crop calibration: %w", err)
	}
	cfg, err := ParseCropConfig(data)
	if err != nil {
		return CropConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// RegionCropper is the CPU Cropper. It copies the configured rectangles out
// of each source frame.
//
// With buffer reuse enabled the two output frames are allocated once and
// overwritten on every call, so a returned pair is only valid until the next
// Crop. Without it every call returns freshly allocated frames that the
// caller owns.
type RegionCropper struct {
	cfg   CropConfig
	reuse bool

	mu          sync.Mutex
	left, right *Frame
}

// CropperOption configures a RegionCropper.
type CropperOption func(*RegionCropper)

// WithBufferReuse makes the cropper overwrite one preallocated output pair.
func WithBufferReuse() CropperOption {
	return func(c *RegionCropper) { c.reuse = true }
}

// NewRegionCropper builds a cropper for cfg.
func NewRegionCropper(cfg CropConfig, opts ...CropperOption) (*RegionCropper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &RegionCropper{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.reuse {
		c.left = New(cfg.Width, cfg.Height)
		c.right = New(cfg.Width, cfg.Height)
	}
	return c, nil
}

// Config returns the crop calibration in use.
func (c *RegionCropper) Config() CropConfig {
	return c.cfg
}

// Crop extracts both regions. A region that falls outside its source frame
// yields (nil, nil).
func (c *RegionCropper) Crop(left, right *Frame) (*Frame, *Frame) {
	if left == nil || right == nil || left.Image == nil || right.Image == nil {
		return nil, nil
	}

	lr := c.cfg.LeftRect().Add(left.Image.Rect.Min)
	rr := c.cfg.RightRect().Add(right.Image.Rect.Min)
	if !lr.In(left.Image.Rect) || !rr.In(right.Image.Rect) {
		monitoring.WithComponent("cropper").Warnf(
			"crop region outside frame: left %v in %v, right %v in %v",
			lr, left.Image.Rect, rr, right.Image.Rect)
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	outL, outR := c.left, c.right
	if !c.reuse {
		outL = New(c.cfg.Width, c.cfg.Height)
		outR = New(c.cfg.Width, c.cfg.Height)
	}
	copyRegion(outL.Image, left.Image, lr)
	copyRegion(outR.Image, right.Image, rr)

	outL.Camera, outL.Seq, outL.Captured = left.Camera, left.Seq, left.Captured
	outR.Camera, outR.Seq, outR.Captured = right.Camera, right.Seq, right.Captured
	return outL, outR
}

// copyRegion copies r of src row by row into dst, which must be exactly
// r.Dx() x r.Dy(). Every destination pixel is written.
func copyRegion(dst, src *image.RGBA, r image.Rectangle) {
	rowBytes := r.Dx() * 4
	for y := 0; y < r.Dy(); y++ {
		si := src.PixOffset(r.Min.X, r.Min.Y+y)
		di := y * dst.Stride
		copy(dst.Pix[di:di+rowBytes], src.Pix[si:si+rowBytes])
	}
}
