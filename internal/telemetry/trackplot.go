package telemetry

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/tracking"
)

// RenderTrackPlot draws a top-down (x against z) PNG of the tracks.
func RenderTrackPlot(tracks []tracking.Track, w io.Writer) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tracks (%d)", len(tracks))
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Z"
	p.Add(plotter.NewGrid())

	if len(tracks) == 0 {
		p.X.Min, p.X.Max = -1, 1
		p.Y.Min, p.Y.Max = 0, 2
	} else {
		pts := make(plotter.XYs, len(tracks))
		labels := make([]string, len(tracks))
		for i, t := range tracks {
			pts[i].X = t.State[0]
			pts[i].Y = t.State[2]
			labels[i] = fmt.Sprintf("#%d %s", t.ID, t.Label)
		}

		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("track scatter: %w", err)
		}
		scatter.GlyphStyle.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
		scatter.GlyphStyle.Radius = vg.Points(4)
		p.Add(scatter)

		names, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: labels})
		if err != nil {
			return fmt.Errorf("track labels: %w", err)
		}
		p.Add(names)
	}

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// TrackPlot serves RenderTrackPlot of the hub's latest tracks.
type TrackPlot struct {
	hub *sensor.Hub
}

// NewTrackPlot returns a handler over hub.
func NewTrackPlot(hub *sensor.Hub) *TrackPlot {
	return &TrackPlot{hub: hub}
}

func (t *TrackPlot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tracks []tracking.Track
	if snap := t.hub.Latest(); snap != nil {
		tracks = snap.Tracks
	}
	var buf bytes.Buffer
	if err := RenderTrackPlot(tracks, &buf); err != nil {
		http.Error(w, fmt.Sprintf("plot error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
