package timeutil

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	var c RealClock
	start := c.Now()
	if c.Since(start) < 0 {
		t.Error("Since should be non-negative")
	}

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After did not fire")
	}

	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestMockClock_SleepRecords(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	c.Sleep(5 * time.Second)
	c.Sleep(100 * time.Millisecond)

	got := c.Sleeps()
	if len(got) != 2 || got[0] != 5*time.Second || got[1] != 100*time.Millisecond {
		t.Errorf("Sleeps() = %v", got)
	}
	if !c.Now().Equal(time.Unix(0, 0)) {
		t.Error("Sleep must not move the mock clock")
	}
}

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	ch := c.After(time.Second)
	if c.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", c.Waiters())
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("After fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if !got.Equal(time.Unix(1, 0)) {
			t.Errorf("fired at %v, want 1s", got)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
	if c.Waiters() != 0 {
		t.Errorf("Waiters() = %d after firing, want 0", c.Waiters())
	}
}

func TestMockClock_Ticker(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(500 * time.Millisecond)
	if c.Tickers() != 1 {
		t.Fatalf("Tickers() = %d, want 1", c.Tickers())
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(time.Hour).(*MockTicker)
	tk.Trigger(time.Unix(7, 0))
	tk.Trigger(time.Unix(8, 0)) // dropped, one tick already pending

	got := <-tk.C()
	if !got.Equal(time.Unix(7, 0)) {
		t.Errorf("got %v, want 7s", got)
	}
}
