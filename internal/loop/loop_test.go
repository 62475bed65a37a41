package loop_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"raidcore/internal/loop"
)

func newLoop() *loop.Loop {
	return loop.New(50*time.Millisecond, zerolog.Nop())
}

func TestSubmitRunsNextStep(t *testing.T) {
	l := newLoop()
	ran := false
	l.Submit(func() { ran = true })
	if ran {
		t.Fatal("submitted work ran before a step")
	}
	l.Step()
	if !ran {
		t.Fatal("submitted work did not run")
	}
}

func TestAfterFiresOnce(t *testing.T) {
	l := newLoop()
	fired := 0
	l.After(3, func() { fired++ })
	for i := 0; i < 10; i++ {
		l.Step()
	}
	if fired != 1 {
		t.Fatalf("one-shot fired %d times", fired)
	}
}

func TestEveryRepeats(t *testing.T) {
	l := newLoop()
	fired := 0
	h := l.Every(2, func() { fired++ })
	for i := 0; i < 6; i++ {
		l.Step()
	}
	if fired != 3 {
		t.Fatalf("periodic fired %d times, want 3", fired)
	}
	h.Cancel()
	for i := 0; i < 6; i++ {
		l.Step()
	}
	if fired != 3 {
		t.Fatalf("cancelled entry kept firing: %d", fired)
	}
}

func TestCancelIdempotent(t *testing.T) {
	l := newLoop()
	h := l.After(100, func() {})
	if !h.Cancel() {
		t.Fatal("first cancel should win")
	}
	if h.Cancel() {
		t.Fatal("second cancel should report false")
	}
	if !h.Cancelled() {
		t.Fatal("handle should read cancelled")
	}
}

func TestCancelBeforeFire(t *testing.T) {
	l := newLoop()
	fired := false
	h := l.After(2, func() { fired = true })
	h.Cancel()
	for i := 0; i < 5; i++ {
		l.Step()
	}
	if fired {
		t.Fatal("cancelled one-shot fired")
	}
}

func TestPanicsAreContained(t *testing.T) {
	l := newLoop()
	ok := false
	l.Submit(func() { panic("boom") })
	l.Submit(func() { ok = true })
	l.Step()
	if !ok {
		t.Fatal("panic in one callback starved the rest")
	}
}

func TestTicksRoundsUp(t *testing.T) {
	l := newLoop()
	cases := map[time.Duration]uint64{
		0:                       1,
		10 * time.Millisecond:   1,
		50 * time.Millisecond:   1,
		75 * time.Millisecond:   2,
		time.Second:             20,
		1050 * time.Millisecond: 21,
	}
	for d, want := range cases {
		if got := l.Ticks(d); got != want {
			t.Fatalf("Ticks(%s) = %d, want %d", d, got, want)
		}
	}
}
