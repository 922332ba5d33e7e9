package engine

import (
	"testing"
	"time"

	"cellcontrol-go/config"
	"cellcontrol-go/types"
)

func testValve() *valve {
	return newValve(config.Valve{BaseCycle: 4, IntervalCycles: 10, DurationS: 30})
}

func TestValveTriggersOnChargeMultiples(t *testing.T) {
	cases := []struct {
		cycle int
		step  string
		want  bool
	}{
		{4, "CC Chg", true},   // base itself
		{14, "CC Chg", true},  // base + interval
		{13, "CC Chg", false}, // off the grid
		{24, "CC DChg", false},
		{24, "Rest", false},
		{3, "CC Chg", false}, // below base
	}
	for _, c := range cases {
		v := testValve()
		if got := v.shouldOpen(c.cycle, c.step); got != c.want {
			t.Errorf("shouldOpen(%d, %q) = %v, want %v", c.cycle, c.step, got, c.want)
		}
	}
}

func TestValveFiresOncePerCycle(t *testing.T) {
	v := testValve()
	now := time.Now()
	if !v.shouldOpen(14, "CC Chg") {
		t.Fatal("first evaluation should fire")
	}
	v.opened(now, 14)
	v.closed()
	// Same cycle seen again after the dose finished: no re-fire.
	if v.shouldOpen(14, "CC Chg") {
		t.Fatal("cycle 14 must not re-fire")
	}
	if !v.shouldOpen(24, "CC Chg") {
		t.Fatal("next multiple must fire")
	}
}

func TestValveCountsMissedTriggerWhileActive(t *testing.T) {
	v := testValve()
	now := time.Now()
	v.opened(now, 4)

	if v.shouldOpen(14, "CC Chg") {
		t.Fatal("must not open while rebalancing")
	}
	if v.missed != 1 {
		t.Fatalf("missed = %d, want 1", v.missed)
	}
	// The same missed cycle polled again does not double-count.
	v.shouldOpen(14, "CC Chg")
	if v.missed != 1 {
		t.Fatalf("missed after repeat = %d, want 1", v.missed)
	}

	v.closed()
	// The missed cycle is gone for good, not queued.
	if v.shouldOpen(14, "CC Chg") {
		t.Fatal("missed cycle must not fire after the dose ends")
	}
	if !v.shouldOpen(24, "CC Chg") {
		t.Fatal("the following multiple still fires")
	}
}

func TestValveClosesOnWallClock(t *testing.T) {
	v := newValve(config.Valve{IntervalCycles: 10, DurationS: 0.05})
	start := time.Now()
	v.opened(start, 10)

	if v.shouldClose(start.Add(20 * time.Millisecond)) {
		t.Fatal("closed too early")
	}
	if !v.shouldClose(start.Add(60 * time.Millisecond)) {
		t.Fatal("should close after the dose duration")
	}
	v.closed()
	if v.phase != types.ValveIdle {
		t.Fatalf("phase = %s", v.phase)
	}
}

func TestValveStateReportsRemaining(t *testing.T) {
	v := newValve(config.Valve{IntervalCycles: 10, DurationS: 30})
	now := time.Now()
	st := v.state(now)
	if st.Phase != types.ValveIdle || st.LastTriggered != -1 || st.RemainingMs != 0 {
		t.Fatalf("idle state = %+v", st)
	}
	v.opened(now, 10)
	st = v.state(now.Add(10 * time.Second))
	if st.Phase != types.ValveRebalancing || st.LastTriggered != 10 {
		t.Fatalf("active state = %+v", st)
	}
	if st.RemainingMs < 19_000 || st.RemainingMs > 20_000 {
		t.Fatalf("remaining = %dms, want ~20000", st.RemainingMs)
	}
}

func TestIsChargeStep(t *testing.T) {
	for _, s := range []string{"CC Chg", "CCCV Chg", "charge", "CC_Charge"} {
		if !isChargeStep(s) {
			t.Errorf("%q should be a charge step", s)
		}
	}
	for _, s := range []string{"CC DChg", "Rest", "Pause"} {
		if isChargeStep(s) {
			t.Errorf("%q should not be a charge step", s)
		}
	}
}
