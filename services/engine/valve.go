// services/engine/valve.go
package engine

import (
	"strings"
	"time"

	"cellcontrol-go/config"
	"cellcontrol-go/types"
)

// valve is the rebalance state machine. It is edge-triggered: each charge
// cycle at base + k*interval opens the relay at most once, and the relay
// closes on a wall-clock deadline so a slow tick never stretches the dose.
// A trigger that lands while the previous rebalance is still running is
// counted as missed, never queued.
type valve struct {
	cfg config.Valve

	phase         types.ValvePhase
	lastTriggered int
	lastMissed    int
	openedAt      time.Time
	missed        int
}

func newValve(cfg config.Valve) *valve {
	return &valve{cfg: cfg, phase: types.ValveIdle, lastTriggered: -1, lastMissed: -1}
}

// isChargeStep matches the cycler's step names ("CC Chg", "CCCV Chg",
// "charge"). Discharge steps also contain the charge substring, so they are
// excluded first.
func isChargeStep(step string) bool {
	s := strings.ToLower(step)
	if strings.Contains(s, "dchg") || strings.Contains(s, "discharge") {
		return false
	}
	return strings.Contains(s, "chg") || strings.Contains(s, "charge")
}

func (v *valve) duration() time.Duration {
	return time.Duration(v.cfg.DurationS * float64(time.Second))
}

// dueAt reports whether cycle is a trigger point.
func (v *valve) dueAt(cycle int, step string) bool {
	if !isChargeStep(step) {
		return false
	}
	if cycle < v.cfg.BaseCycle || v.cfg.IntervalCycles <= 0 {
		return false
	}
	return (cycle-v.cfg.BaseCycle)%v.cfg.IntervalCycles == 0
}

// shouldOpen decides whether this tick must open the relay. While a
// rebalance is active, a newly due cycle increments the missed counter once;
// a missed cycle is skipped for good, never deferred to after the dose.
func (v *valve) shouldOpen(cycle int, step string) bool {
	if !v.dueAt(cycle, step) || cycle == v.lastTriggered || cycle == v.lastMissed {
		return false
	}
	if v.phase == types.ValveRebalancing {
		v.lastMissed = cycle
		v.missed++
		return false
	}
	return true
}

// opened records a successful relay open for cycle.
func (v *valve) opened(now time.Time, cycle int) {
	v.phase = types.ValveRebalancing
	v.lastTriggered = cycle
	v.openedAt = now
}

// shouldClose reports whether the dose duration has elapsed.
func (v *valve) shouldClose(now time.Time) bool {
	return v.phase == types.ValveRebalancing && now.Sub(v.openedAt) >= v.duration()
}

// closed records a successful relay close.
func (v *valve) closed() {
	v.phase = types.ValveIdle
}

func (v *valve) state(now time.Time) types.ValveState {
	st := types.ValveState{
		Phase:          v.phase,
		LastTriggered:  v.lastTriggered,
		MissedTriggers: v.missed,
	}
	if v.phase == types.ValveRebalancing {
		if rem := v.duration() - now.Sub(v.openedAt); rem > 0 {
			st.RemainingMs = rem.Milliseconds()
		}
	}
	return st
}
