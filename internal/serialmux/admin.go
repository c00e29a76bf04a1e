package serialmux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!DOCTYPE html>
<html>
<head><title>Motor controller</title></head>
<body>
<h1>Motor controller</h1>
<form id="send" method="post" action="/debug/serial-send-api">
  <input type="text" name="command" size="60" placeholder='{"left":0,"right":0}' autofocus>
  <button type="submit">Send</button>
</form>
<p id="status"></p>
<pre id="tail"></pre>
<script src="/debug/serial-tail.js"></script>
</body>
</html>
`))

const tailScript = `(function () {
  var tail = document.getElementById("tail");
  var status = document.getElementById("status");
  var src = new EventSource("/debug/serial-tail");
  src.onmessage = function (e) {
    tail.textContent += e.data + "\n";
    tail.scrollTop = tail.scrollHeight;
  };
  document.getElementById("send").addEventListener("submit", function (e) {
    e.preventDefault();
    fetch(e.target.action, {method: "POST", body: new FormData(e.target)})
      .then(function (r) { return r.text(); })
      .then(function (t) { status.textContent = t; });
  });
})();
`

// AttachAdminRoutes mounts the controller console, the command API, the
// live line tail (server-sent events) and the accumulated controller state.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-send", "send a command to the motor controller", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("serial-send-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("serial-tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		io.WriteString(w, tailScript)
	})

	debug.HandleFunc("serial-state", "latest motor controller state (JSON)", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.state.Snapshot()); err != nil {
			http.Error(w, "Failed to encode state", http.StatusInternalServerError)
		}
	})
}
