package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op that must not call the previous logger
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}

	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(logrus.StandardLogger().Out)

	Logf("hello %d", 42)
	if !strings.Contains(buf.String(), "hello 42") {
		t.Errorf("expected default Logf to write to shared logger, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(logrus.StandardLogger().Out)

	WithComponent("navigator").Info("tick")
	out := buf.String()
	if !strings.Contains(out, "component=navigator") {
		t.Errorf("expected component field in output, got %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	defer base.SetLevel(logrus.InfoLevel)

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel(debug) returned error: %v", err)
	}
	if base.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", base.GetLevel())
	}
	if err := SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOnce_Warn(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(logrus.StandardLogger().Out)

	var once Once
	entry := WithComponent("pipeline")
	if !once.Warn(entry, "detector", "detector unavailable") {
		t.Error("first Warn should log")
	}
	if once.Warn(entry, "detector", "detector unavailable") {
		t.Error("second Warn with the same key should not log")
	}
	if !once.Warn(entry, "tracker", "tracker unavailable") {
		t.Error("Warn with a new key should log")
	}
	if n := strings.Count(buf.String(), "detector unavailable"); n != 1 {
		t.Errorf("detector message logged %d times, want 1", n)
	}

	once.Reset()
	if !once.Warn(entry, "detector", "detector unavailable") {
		t.Error("Warn after Reset should log again")
	}
}
