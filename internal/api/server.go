// Package api serves the operator HTTP surface: autonomy and display
// toggles, a JSON status view, the camera streams and the debug pages.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"tailscale.com/tsweb"

	"github.com/banshee-data/robot.navigator/internal/capture"
	"github.com/banshee-data/robot.navigator/internal/command"
	"github.com/banshee-data/robot.navigator/internal/httputil"
	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/navigation"
	"github.com/banshee-data/robot.navigator/internal/sensor"
	"github.com/banshee-data/robot.navigator/internal/serialmux"
	"github.com/banshee-data/robot.navigator/internal/telemetry"
	"github.com/banshee-data/robot.navigator/internal/version"
)

// ANSI escape codes for the request log.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Autonomy is the navigator's operator-facing control.
type Autonomy interface {
	Enabled() bool
	SetEnabled(bool)
	Toggle() bool
	LastDecision() (navigation.Decision, bool)
	Ticks() uint64
}

// Display switches the streamed frames between raw and annotated.
type Display interface {
	Annotated() bool
	SetAnnotated(bool)
	Left() http.Handler
	Right() http.Handler
	Stereo() http.Handler
}

// Resetter drops accumulated perception state such as live tracks or
// smoothing history.
type Resetter interface {
	Reset()
}

type cameraStats interface {
	Stats() []capture.CameraStats
}

type commandStats interface {
	Stats() command.Stats
}

type telemetryStats interface {
	Stats() telemetry.PublisherStats
}

type pipelineStats interface {
	Stats() (cycles, skipped uint64)
}

// Options wires a Server. Hub and Autonomy are required; everything else is
// left out of the status view and routes when nil.
type Options struct {
	Hub       *sensor.Hub
	Autonomy  Autonomy
	Display   Display
	Cameras   cameraStats
	Pipeline  pipelineStats
	Commands  commandStats
	Telemetry telemetryStats
	Serial    serialmux.SerialMuxInterface
	Dashboard http.Handler
	TrackPlot http.Handler
	// Resetters are cleared by POST /api/tracks/reset.
	Resetters []Resetter
}

type Server struct {
	opts Options
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// PipelineStatus counts runner cycles.
type PipelineStatus struct {
	Cycles  uint64 `json:"cycles"`
	Skipped uint64 `json:"skipped"`
}

// Status is the body of GET /api/status.
type Status struct {
	Version     string                    `json:"version"`
	Autonomy    bool                      `json:"autonomy"`
	Ticks       uint64                    `json:"ticks"`
	Annotated   *bool                     `json:"annotated,omitempty"`
	Decision    *navigation.Decision      `json:"decision,omitempty"`
	SnapshotSeq uint64                    `json:"snapshot_seq"`
	Detections  [2]int                    `json:"detections"`
	Tracks      int                       `json:"tracks"`
	Cameras     []capture.CameraStats     `json:"cameras,omitempty"`
	Pipeline    *PipelineStatus           `json:"pipeline,omitempty"`
	Command     *command.Stats            `json:"command,omitempty"`
	Telemetry   *telemetry.PublisherStats `json:"telemetry,omitempty"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration. The MJPEG
// streams never finish, so they are logged when the client goes away.
func LoggingMiddleware(next http.Handler) http.Handler {
	log := monitoring.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Infof(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/autonomy", s.handleAutonomy)
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/tracks/reset", s.handleTracksReset)

	if s.opts.Display != nil {
		mux.Handle("/stream/left", s.opts.Display.Left())
		mux.Handle("/stream/right", s.opts.Display.Right())
		mux.Handle("/stream/stereo", s.opts.Display.Stereo())
	}

	debug := tsweb.Debugger(mux)
	if s.opts.Dashboard != nil {
		debug.Handle("dashboard", "Wheel command and detection range charts", s.opts.Dashboard)
	}
	if s.opts.TrackPlot != nil {
		debug.Handle("tracks.png", "Top-down plot of the current tracks", s.opts.TrackPlot)
	}
	debug.HandleFunc("autonomy", "Enable or disable autonomous driving", s.autonomyPage)

	if s.opts.Serial != nil {
		s.opts.Serial.AttachAdminRoutes(mux)
	}
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, s.Status())
}

// Status collects the current state of every wired component.
func (s *Server) Status() Status {
	st := Status{
		Version:  version.String(),
		Autonomy: s.opts.Autonomy.Enabled(),
		Ticks:    s.opts.Autonomy.Ticks(),
	}
	if d, ok := s.opts.Autonomy.LastDecision(); ok {
		st.Decision = &d
	}
	if s.opts.Display != nil {
		on := s.opts.Display.Annotated()
		st.Annotated = &on
	}
	if snap := s.opts.Hub.Latest(); snap != nil {
		st.SnapshotSeq = snap.Seq
		st.Detections = [2]int{len(snap.LeftDetections), len(snap.RightDetections)}
		st.Tracks = len(snap.Tracks)
	}
	if s.opts.Cameras != nil {
		st.Cameras = s.opts.Cameras.Stats()
	}
	if s.opts.Pipeline != nil {
		cycles, skipped := s.opts.Pipeline.Stats()
		st.Pipeline = &PipelineStatus{Cycles: cycles, Skipped: skipped}
	}
	if s.opts.Commands != nil {
		cs := s.opts.Commands.Stats()
		st.Command = &cs
	}
	if s.opts.Telemetry != nil {
		ts := s.opts.Telemetry.Stats()
		st.Telemetry = &ts
	}
	return st
}

// handleAutonomy reports the autonomy state on GET. POST accepts either
// enabled=<bool> or action=enable|disable|toggle.
func (s *Server) handleAutonomy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := s.applyAutonomy(r); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"enabled": s.opts.Autonomy.Enabled()})
}

func (s *Server) applyAutonomy(r *http.Request) error {
	if v := r.FormValue("enabled"); v != "" {
		on, err := cast.ToBoolE(v)
		if err != nil {
			return fmt.Errorf("invalid enabled value %q", v)
		}
		s.opts.Autonomy.SetEnabled(on)
		return nil
	}
	switch action := strings.ToLower(strings.TrimSpace(r.FormValue("action"))); action {
	case "enable":
		s.opts.Autonomy.SetEnabled(true)
	case "disable":
		s.opts.Autonomy.SetEnabled(false)
	case "toggle", "":
		s.opts.Autonomy.Toggle()
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

// handleRender switches the streams between raw and annotated frames. A POST
// without annotated= toggles.
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if s.opts.Display == nil {
		httputil.NotFound(w, "rendering is disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if v := r.FormValue("annotated"); v != "" {
			on, err := cast.ToBoolE(v)
			if err != nil {
				httputil.BadRequest(w, fmt.Sprintf("invalid annotated value %q", v))
				return
			}
			s.opts.Display.SetAnnotated(on)
		} else {
			s.opts.Display.SetAnnotated(!s.opts.Display.Annotated())
		}
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"annotated": s.opts.Display.Annotated()})
}

// handleTracksReset forgets every live track and the detection smoothing
// history, for example after the robot has been picked up and moved.
func (s *Server) handleTracksReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if len(s.opts.Resetters) == 0 {
		httputil.NotFound(w, "no trackers are running")
		return
	}
	for _, rs := range s.opts.Resetters {
		rs.Reset()
	}
	monitoring.WithComponent("api").Infof("reset %d trackers", len(s.opts.Resetters))
	httputil.WriteJSONOK(w, map[string]int{"reset": len(s.opts.Resetters)})
}

func (s *Server) autonomyPage(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.opts.Autonomy.Toggle()
	}
	state := "disabled"
	if s.opts.Autonomy.Enabled() {
		state = "enabled"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>Autonomy</title></head>
<body>
<h1>Autonomy is %s</h1>
<form method="post"><button type="submit">Toggle</button></form>
</body></html>
`, state)
}
