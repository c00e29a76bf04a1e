package render

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robot.navigator/internal/frame"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/timeutil"
)

func solid(c color.RGBA) *frame.Frame {
	f := frame.New(16, 16)
	draw.Draw(f.Image, f.Image.Rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
	return f
}

var (
	blue = color.RGBA{B: 255, A: 255}
	red  = color.RGBA{R: 255, A: 255}
)

func centre(t *testing.T, data []byte) (r, g, b uint32) {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	r, g, b, _ = img.At(8, 8).RGBA()
	return r >> 8, g >> 8, b >> 8
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(solid(blue), DefaultQuality)
	require.NoError(t, err)
	r, _, b := centre(t, data)
	assert.Greater(t, b, uint32(200))
	assert.Less(t, r, uint32(60))
}

func TestRenderPicksAnnotatedFrames(t *testing.T) {
	snap := &sensor.Snapshot{
		Seq:           1,
		LeftFrame:     solid(blue),
		RightFrame:    solid(blue),
		LeftAnnotated: solid(red),
	}
	r := New(sensor.NewHub(), time.Millisecond, true, nil)

	left, right, _ := r.encode(snap)
	lr, _, _ := centre(t, left)
	assert.Greater(t, lr, uint32(200), "annotated left frame")
	_, _, rb := centre(t, right)
	assert.Greater(t, rb, uint32(200), "right falls back to raw")

	r.SetAnnotated(false)
	assert.False(t, r.Annotated())
	left, _, _ = r.encode(snap)
	_, _, lb := centre(t, left)
	assert.Greater(t, lb, uint32(200), "raw left frame")
}

func TestRenderOnlyNewSnapshots(t *testing.T) {
	hub := sensor.NewHub()
	r := New(hub, time.Millisecond, false, nil)

	assert.False(t, r.Render(), "nothing published yet")

	hub.Update(&sensor.Snapshot{Seq: 1})
	assert.False(t, r.Render(), "snapshot without frames")

	hub.Update(&sensor.Snapshot{Seq: 2, LeftFrame: solid(blue), RightFrame: solid(blue)})
	assert.True(t, r.Render())
	assert.False(t, r.Render(), "same snapshot twice")
	assert.Equal(t, uint64(1), r.Rendered())

	hub.Update(&sensor.Snapshot{Seq: 3, LeftFrame: solid(red)})
	assert.True(t, r.Render())
	assert.Equal(t, uint64(2), r.Rendered())

	assert.NotNil(t, r.Left())
	assert.NotNil(t, r.Right())
	assert.NotNil(t, r.Stereo())
}

func TestEncodeStereoJoinsBothCameras(t *testing.T) {
	r := New(sensor.NewHub(), time.Millisecond, false, nil)

	_, _, stereo := r.encode(&sensor.Snapshot{Seq: 1, LeftFrame: solid(blue), RightFrame: solid(red)})
	require.NotNil(t, stereo)
	img, err := jpeg.Decode(bytes.NewReader(stereo))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

	_, _, lb, _ := img.At(8, 8).RGBA()
	assert.Greater(t, lb>>8, uint32(200), "left half is the left camera")
	rr, _, _, _ := img.At(24, 8).RGBA()
	assert.Greater(t, rr>>8, uint32(200), "right half is the right camera")

	_, _, stereo = r.encode(&sensor.Snapshot{Seq: 2, LeftFrame: solid(blue)})
	assert.Nil(t, stereo, "needs both cameras")
}

func TestRunRendersOnTick(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	hub := sensor.NewHub()
	hub.Update(&sensor.Snapshot{Seq: 1, LeftFrame: solid(blue), RightFrame: solid(blue)})
	r := New(hub, 100*time.Millisecond, false, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return r.Rendered() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
