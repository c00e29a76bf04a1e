package serialmux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/robot.navigator/internal/testutil"
)

func TestSendCommandAppendsNewline(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)

	require.NoError(t, m.SendCommand(`{"left":1,"right":1}`))
	require.NoError(t, m.SendCommand("ping\n"))
	assert.Equal(t, "{\"left\":1,\"right\":1}\nping\n", port.Written())
}

func TestSendCommandErrors(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)

	port.WriteError = errors.New("device gone")
	assert.EqualError(t, m.SendCommand("x"), "device gone")

	port.ShortWrite = true
	assert.ErrorIs(t, m.SendCommand("x"), ErrWriteFailed)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.SendCommand("x"), ErrClosed)
	assert.True(t, port.Closed())
	require.NoError(t, m.Close(), "second close is a no-op")
}

func TestInitializeStopsAtFirstFailure(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	require.NoError(t, m.Initialize("a", "b"))
	assert.Equal(t, "a\nb\n", port.Written())

	port.WriteError = errors.New("busy")
	err := m.Initialize("c", "d")
	assert.ErrorContains(t, err, `"c"`)
	assert.Equal(t, "a\nb\n", port.Written())
}

func TestMonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)

	id1, ch1 := m.Subscribe()
	_, ch2 := m.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Monitor(ctx) }()

	port.AddReadData("{\"ok\":true,\"left\":1}\r\n\nhello\n")

	for _, ch := range []chan string{ch1, ch2} {
		assert.Equal(t, `{"ok":true,"left":1}`, receive(t, ch))
		assert.Equal(t, "hello", receive(t, ch), "blank lines are skipped")
	}

	m.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	state := m.State().Snapshot()
	assert.Equal(t, 1, state.Counts[ReplyAck])
	assert.Equal(t, 1, state.Counts[ReplyText])
	assert.Equal(t, 1.0, state.Values["left"])
}

func TestMonitorReturnsOnPortFailure(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	done := make(chan error, 1)
	go func() { done <- m.Monitor(context.Background()) }()

	port.Close()
	select {
	case err := <-done:
		assert.EqualError(t, err, "serial port closed")
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not return after the port closed")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	_, ch := m.Subscribe()
	require.NoError(t, m.Close())
	_, ok := <-ch
	assert.False(t, ok)

	_, late := m.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed mux yields a closed channel")
}

func TestClassifyReply(t *testing.T) {
	tests := map[string]ReplyKind{
		`{"ok":true}`:              ReplyAck,
		`{"error":"overcurrent"}`:  ReplyError,
		`{"battery":7.4}`:          ReplyTelemetry,
		`motor controller v1.2`:    ReplyText,
		`[1,2,3]`:                  ReplyText,
		`{"ok":false,"error":"x"}`: ReplyError,
	}
	for line, want := range tests {
		assert.Equal(t, want, ClassifyReply(line), line)
	}
}

func TestControllerStateRecordsErrors(t *testing.T) {
	s := NewControllerState()
	s.Record(`{"battery":7.4,"mode":"auto"}`)
	s.Record(`{"error":"overcurrent"}`)
	s.Record(`{"battery":7.2}`)

	snap := s.Snapshot()
	assert.Equal(t, "overcurrent", snap.LastError)
	assert.Equal(t, 7.2, snap.Values["battery"])
	assert.Equal(t, "auto", snap.Values["mode"])
	assert.Equal(t, 2, snap.Counts[ReplyTelemetry])
	assert.False(t, snap.LastSeen.IsZero())
}

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
		{ReadTimeout: -time.Second},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   serial.OddParity,
		StopBits: serial.TwoStopBits,
	}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestOpenUsesOpener(t *testing.T) {
	port := NewTestableSerialPort()
	var gotPath string
	m, err := Open(func(path string, opts PortOptions) (SerialPorter, error) {
		gotPath = path
		return port, nil
	}, "/dev/ttyACM0", PortOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", gotPath)
	require.NoError(t, m.SendCommand("x"))
	assert.Equal(t, "x\n", port.Written())

	_, err = Open(func(string, PortOptions) (SerialPorter, error) {
		return nil, errors.New("no such device")
	}, "/dev/none", PortOptions{})
	assert.EqualError(t, err, "no such device")
}

func TestAdminSendCommandAPI(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
		body   string
	}{
		{"valid", http.MethodPost, url.Values{"command": {`{"left":0,"right":0}`}}, http.StatusOK, "Wrote command"},
		{"empty", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"missing", http.MethodPost, url.Values{}, http.StatusBadRequest, "Missing command"},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.FormRequest(tt.method, "/debug/serial-send-api", tt.form)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
	assert.Equal(t, "{\"left\":0,\"right\":0}\n", port.Written())
}

func TestAdminConsoleAndScript(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalHostRequest(http.MethodGet, "/debug/serial-send", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "serial-send-api")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalHostRequest(http.MethodGet, "/debug/serial-tail.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "EventSource")
}

func TestAdminState(t *testing.T) {
	m := NewSerialMux(NewTestableSerialPort())
	m.State().Record(`{"battery":7.9}`)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalHostRequest(http.MethodGet, "/debug/serial-state", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got StateSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 7.9, got.Values["battery"])
}

func TestAdminTailStreamsLines(t *testing.T) {
	port := NewTestableSerialPort()
	m := NewSerialMux(port)
	mux := http.NewServeMux()
	m.AttachAdminRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Monitor(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/serial-tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	port.AddReadData("{\"battery\":7.1}\n")
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	assert.Equal(t, "data: {\"battery\":7.1}\n", line)
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	assert.NoError(t, d.SendCommand("anything"))
	assert.NoError(t, d.Initialize("a"))

	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch
	assert.False(t, ok)
	require.NoError(t, d.Close())

	_, ch = d.Subscribe()
	_, ok = <-ch
	assert.False(t, ok, "subscribing after Close yields a closed channel")
	assert.Equal(t, uint64(1), d.Discarded())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, testutil.LocalHostRequest(http.MethodGet, "/debug/serial-disabled", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "serial disabled (1 commands discarded)", w.Body.String())
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line := <-ch:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
		return ""
	}
}
