package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

// DisabledSerialMux stands in when commands go over the websocket instead
// of a serial link. Commands are counted and discarded, no lines are ever
// produced, and subscriber channels are closed on Unsubscribe or Close so
// readers unblock during shutdown.
type DisabledSerialMux struct {
	discarded atomic.Uint64

	mu     sync.Mutex
	subs   map[string]chan string
	closed bool
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.subs[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subs[id]; ok {
		close(ch)
		delete(d.subs, id)
	}
}

// SendCommand discards the command.
func (d *DisabledSerialMux) SendCommand(string) error {
	d.discarded.Add(1)
	return nil
}

// Discarded reports how many commands SendCommand has dropped.
func (d *DisabledSerialMux) Discarded() uint64 { return d.discarded.Load() }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for id, ch := range d.subs {
		close(ch)
		delete(d.subs, id)
	}
	return nil
}

func (d *DisabledSerialMux) Initialize(...string) error { return nil }

// AttachAdminRoutes mounts a single status page in place of the controller
// console.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial-disabled", "motor controller link is not in use", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "serial disabled (%d commands discarded)", d.Discarded())
	})
}
