// Package gocvsource opens camera streams with OpenCV's FFmpeg backend.
package gocvsource

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/banshee-data/robot.navigator/internal/capture"
	"github.com/banshee-data/robot.navigator/internal/frame"
)

var errEmptyFrame = errors.New("empty frame")

// captureOptionsEnv is read by OpenCV's FFmpeg backend when a stream is
// opened. Entries are key;value pairs separated by |.
const captureOptionsEnv = "OPENCV_FFMPEG_CAPTURE_OPTIONS"

// Opener implements capture.Opener.
type Opener struct {
	// BufferSize is the decoder's internal frame queue. One keeps latency low
	// by dropping stale frames inside OpenCV.
	BufferSize int
	// ReadTimeout bounds FFmpeg socket reads, so a stalled stream makes Read
	// fail instead of blocking the worker. Ignored when the operator has set
	// OPENCV_FFMPEG_CAPTURE_OPTIONS.
	ReadTimeout time.Duration
}

// CaptureOptions returns the FFmpeg options for d: RTSP over TCP with a
// socket timeout in microseconds (FFmpeg 5 and newer).
func CaptureOptions(d time.Duration) string {
	return fmt.Sprintf("rtsp_transport;tcp|timeout;%d", d.Microseconds())
}

var _ capture.Opener = Opener{}

// Open connects to url and configures the capture buffer.
func (o Opener) Open(url string) (capture.Source, error) {
	if _, set := os.LookupEnv(captureOptionsEnv); !set && o.ReadTimeout > 0 {
		if err := os.Setenv(captureOptionsEnv, CaptureOptions(o.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("set %s: %w", captureOptionsEnv, err)
		}
	}
	vc, err := gocv.OpenVideoCaptureWithAPI(url, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open %s: stream not opened", url)
	}
	size := o.BufferSize
	if size <= 0 {
		size = 1
	}
	vc.Set(gocv.VideoCaptureBufferSize, float64(size))
	return &Source{vc: vc, mat: gocv.NewMat()}, nil
}

// Source is one open stream. Read and Close must not be called concurrently
// with each other from different goroutines; capture uses one worker per
// source.
type Source struct {
	mu  sync.Mutex
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Read decodes the next frame.
func (s *Source) Read() (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, errEmptyFrame
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return frame.FromImage(img), nil
}

// Close releases the stream and its buffer.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matErr := s.mat.Close()
	return errors.Join(s.vc.Close(), matErr)
}
