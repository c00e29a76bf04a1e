package serialmux

import "io"

// SerialPorter is the minimal serial port surface SerialMux needs, so that
// tests can run without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PortOpener opens the port at path with opts. NewRealSerialMux uses the
// go.bug.st/serial implementation; tests substitute their own.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)
