package telemetry

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/robot.navigator/internal/navigation"
	"github.com/banshee-data/robot.navigator/internal/sensor"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// HistorySource supplies recent navigator decisions, oldest first.
type HistorySource interface {
	History() []navigation.Decision
}

// Dashboard renders the recent wheel commands and the current detection
// ranges as an HTML page of charts.
type Dashboard struct {
	history HistorySource
	hub     *sensor.Hub
}

// NewDashboard returns a dashboard over the navigator history and hub.
func NewDashboard(history HistorySource, hub *sensor.Hub) *Dashboard {
	return &Dashboard{history: history, hub: hub}
}

// Render writes the dashboard page to w.
func (d *Dashboard) Render(w io.Writer) error {
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(d.commandChart(), d.distanceChart())
	return page.Render(w)
}

func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// commandChart plots left and right speeds against seconds before the most
// recent decision.
func (d *Dashboard) commandChart() *charts.Line {
	history := d.history.History()
	x := make([]string, len(history))
	left := make([]opts.LineData, len(history))
	right := make([]opts.LineData, len(history))
	var last time.Time
	if n := len(history); n > 0 {
		last = history[n-1].At
	}
	for i, dec := range history {
		x[i] = fmt.Sprintf("%.1f", dec.At.Sub(last).Seconds())
		left[i] = opts.LineData{Value: dec.Left}
		right[i] = opts.LineData{Value: dec.Right}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Wheel commands", Subtitle: fmt.Sprintf("decisions=%d", len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "s", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -1, Max: 1, Name: "speed"}),
	)
	line.SetXAxis(x).
		AddSeries("left", left).
		AddSeries("right", right)
	return line
}

// distanceChart shows the estimated range of every detection in the latest
// snapshot that has one.
func (d *Dashboard) distanceChart() *charts.Bar {
	var x []string
	var y []opts.BarData
	subtitle := "no snapshot"
	if snap := d.hub.Latest(); snap != nil {
		subtitle = fmt.Sprintf("seq=%d", snap.Seq)
		for cam, side := range []string{"L", "R"} {
			for i, det := range snap.Detections(cam) {
				if det.Distance == nil {
					continue
				}
				x = append(x, fmt.Sprintf("%s%d %s", side, i, det.Label))
				y = append(y, opts.BarData{Value: *det.Distance})
			}
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Detection ranges", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("distance", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
