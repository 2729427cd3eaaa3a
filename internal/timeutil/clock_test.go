package timeutil

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestMockClockAdvance(t *testing.T) {
	c := NewMockClock(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	c.Advance(time.Second)
	if got := c.Since(epoch); got != time.Second {
		t.Errorf("Since() = %v, want 1s", got)
	}
	c.Set(epoch)
	if got := c.Since(epoch); got != 0 {
		t.Errorf("Since() after Set = %v, want 0", got)
	}
}

func TestMockClockStep(t *testing.T) {
	c := NewMockClock(epoch)
	c.SetStep(10 * time.Millisecond)
	a := c.Now()
	b := c.Now()
	if d := b.Sub(a); d != 10*time.Millisecond {
		t.Errorf("step between Now calls = %v, want 10ms", d)
	}
}

func TestMockClockWaits(t *testing.T) {
	c := NewMockClock(epoch)
	c.Sleep(time.Millisecond)
	got := <-c.After(time.Second)
	if want := epoch.Add(time.Second + time.Millisecond); !got.Equal(want) {
		t.Errorf("After delivered %v, want %v", got, want)
	}
	waits := c.Waits()
	if len(waits) != 2 || waits[0] != time.Millisecond || waits[1] != time.Second {
		t.Errorf("Waits() = %v", waits)
	}
}

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	c.Sleep(time.Millisecond)
	if c.Since(start) < time.Millisecond {
		t.Error("Sleep returned early")
	}
	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("After never fired")
	}
}
