package serialmux

import (
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ReplyKind classifies a line received from the motor controller.
type ReplyKind string

const (
	ReplyAck       ReplyKind = "ack"       // {"ok": true, ...}
	ReplyError     ReplyKind = "error"     // {"error": "..."}
	ReplyTelemetry ReplyKind = "telemetry" // any other JSON object
	ReplyText      ReplyKind = "text"      // free-form firmware output
)

// ClassifyReply inspects a controller line.
func ClassifyReply(line string) ReplyKind {
	if !gjson.Valid(line) || !gjson.Parse(line).IsObject() {
		return ReplyText
	}
	if gjson.Get(line, "error").Exists() {
		return ReplyError
	}
	if gjson.Get(line, "ok").Exists() {
		return ReplyAck
	}
	return ReplyTelemetry
}

// ControllerState accumulates what the controller has reported: the latest
// value of every telemetry key plus counters per reply kind.
type ControllerState struct {
	mu        sync.Mutex
	values    map[string]interface{}
	counts    map[ReplyKind]int
	lastError string
	lastSeen  time.Time
}

// NewControllerState returns an empty state.
func NewControllerState() *ControllerState {
	return &ControllerState{
		values: make(map[string]interface{}),
		counts: make(map[ReplyKind]int),
	}
}

// Record classifies line and merges any JSON fields into the state.
func (c *ControllerState) Record(line string) ReplyKind {
	kind := ClassifyReply(line)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind]++
	c.lastSeen = time.Now()

	switch kind {
	case ReplyError:
		c.lastError = gjson.Get(line, "error").String()
	case ReplyTelemetry, ReplyAck:
		gjson.Parse(line).ForEach(func(key, value gjson.Result) bool {
			c.values[key.String()] = value.Value()
			return true
		})
	}
	return kind
}

// StateSnapshot is a copy of ControllerState for serialisation.
type StateSnapshot struct {
	Values    map[string]interface{} `json:"values"`
	Counts    map[ReplyKind]int      `json:"counts"`
	LastError string                 `json:"last_error,omitempty"`
	LastSeen  time.Time              `json:"last_seen"`
}

// Snapshot copies the current state.
func (c *ControllerState) Snapshot() StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := StateSnapshot{
		Values:    make(map[string]interface{}, len(c.values)),
		Counts:    make(map[ReplyKind]int, len(c.counts)),
		LastError: c.lastError,
		LastSeen:  c.lastSeen,
	}
	for k, v := range c.values {
		out.Values[k] = v
	}
	for k, v := range c.counts {
		out.Counts[k] = v
	}
	return out
}
