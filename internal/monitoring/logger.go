// Package monitoring holds the process-wide diagnostic logger.
//
// Every component logs through a logrus entry tagged with its component
// name. Logf remains as a printf-style shim for call sites that only need a
// single diagnostic line and for tests that want to capture output.
package monitoring

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base = newBaseLogger()

	// Logf is the package-level diagnostic logger. It defaults to the shared
	// logrus logger at info level but may be replaced by SetLogger.
	Logf func(format string, v ...interface{}) = base.Infof
)

func newBaseLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return l
}

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the shared logrus logger.
func Logger() *logrus.Logger {
	return base
}

// WithComponent returns an entry that tags every line with the component name.
func WithComponent(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// SetLevel parses a logrus level name ("debug", "info", "warn", ...) and
// applies it to the shared logger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	return nil
}

// SetOutput redirects the shared logger. Tests use it to capture or mute
// output.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// Once logs a message at most once per key. Components use it for
// conditions that would otherwise repeat every cycle, such as a pipeline
// stage whose backing capability is absent.
type Once struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// Warn logs msg through entry the first time key is seen and reports whether
// it logged.
func (o *Once) Warn(entry *logrus.Entry, key, msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen == nil {
		o.seen = make(map[string]struct{})
	}
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	entry.Warn(msg)
	return true
}

// Reset forgets every key.
func (o *Once) Reset() {
	o.mu.Lock()
	o.seen = nil
	o.mu.Unlock()
}
