package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWheelRunsTaskOnInterval(t *testing.T) {
	var count atomic.Int64
	w := NewWheel([]Task{
		{Name: "tick", Interval: 10 * time.Millisecond, Run: func() { count.Add(1) }},
	})
	w.Start()
	time.Sleep(55 * time.Millisecond)
	w.Stop()

	if got := count.Load(); got < 2 {
		t.Fatalf("task ran %d times in 55ms at 10ms interval, want at least 2", got)
	}
}

func TestWheelSurvivesPanickingTask(t *testing.T) {
	var ranAfterPanic atomic.Bool
	w := NewWheel([]Task{
		{Name: "boom", Interval: 10 * time.Millisecond, Run: func() { panic("boom") }},
		{Name: "ok", Interval: 10 * time.Millisecond, Run: func() { ranAfterPanic.Store(true) }},
	})
	w.Start()
	time.Sleep(40 * time.Millisecond)
	w.Stop()

	if !ranAfterPanic.Load() {
		t.Fatalf("expected the non-panicking task to keep running")
	}
}
