// Package command delivers wheel speed commands to the robot. A Channel owns
// one connection at a time over a Transport (websocket or serial), queues
// commands without blocking the caller and reconnects in the background
// when the link drops.
package command

import (
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidCommand is returned for speeds that cannot be encoded or
// messages that do not carry both speeds.
var ErrInvalidCommand = errors.New("invalid command")

// Encode renders a wheel command as {"left":<float>,"right":<float>}.
func Encode(left, right float64) ([]byte, error) {
	for _, v := range []float64{left, right} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: speed %v is not finite", ErrInvalidCommand, v)
		}
	}
	msg, err := sjson.SetBytes([]byte(`{}`), "left", left)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(msg, "right", right)
}

// Decode parses a message produced by Encode.
func Decode(msg []byte) (left, right float64, err error) {
	if !gjson.ValidBytes(msg) {
		return 0, 0, fmt.Errorf("%w: not JSON", ErrInvalidCommand)
	}
	l := gjson.GetBytes(msg, "left")
	r := gjson.GetBytes(msg, "right")
	if l.Type != gjson.Number || r.Type != gjson.Number {
		return 0, 0, fmt.Errorf("%w: left and right must be numbers", ErrInvalidCommand)
	}
	return l.Float(), r.Float(), nil
}
