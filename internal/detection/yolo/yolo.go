// Package yolo runs an ONNX YOLO model through OpenCV's DNN module.
//
// It is the only detection code that needs cgo; the output decoding and
// suppression live in the detection package so they can be tested without
// OpenCV installed.
package yolo

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/banshee-data/robot.navigator/internal/detection"
	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
)

// Config describes the model and its decoding thresholds.
type Config struct {
	ModelPath     string
	InputSize     int
	MinConfidence float64
	NMSThreshold  float64
}

// Detector is a detection.Detector backed by a gocv.Net. The network is not
// safe for concurrent use, so Detect serialises calls.
type Detector struct {
	cfg Config

	mu  sync.Mutex
	net gocv.Net
}

var _ detection.Detector = (*Detector)(nil)

// New loads the model at cfg.ModelPath.
func New(cfg Config) (*Detector, error) {
	if cfg.InputSize <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", cfg.InputSize)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to read model %s", cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set target: %w", err)
	}

	monitoring.WithComponent("detector").Infof("loaded model %s (input %dx%d)", cfg.ModelPath, cfg.InputSize, cfg.InputSize)
	return &Detector{cfg: cfg, net: net}, nil
}

// Detect runs one forward pass over f.
func (d *Detector) Detect(f *frame.Frame, camera int) ([]detection.Detection, error) {
	if f == nil || f.Image == nil {
		return nil, nil
	}

	mat, err := gocv.ImageToMatRGB(f.Image)
	if err != nil {
		return nil, fmt.Errorf("camera %d: failed to convert frame: %w", camera, err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[0] != 1 {
		return nil, fmt.Errorf("camera %d: unexpected output shape %v", camera, dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("camera %d: failed to read output: %w", camera, err)
	}

	return detection.DecodeYOLO(
		detection.YOLOOutput{Data: data, Attributes: dims[1], Anchors: dims[2]},
		detection.DecodeParams{
			InputSize:     d.cfg.InputSize,
			FrameWidth:    f.Width(),
			FrameHeight:   f.Height(),
			MinConfidence: d.cfg.MinConfidence,
			NMSThreshold:  d.cfg.NMSThreshold,
		},
	)
}

// Close releases the network.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
