// services/engine/soc.go
package engine

import (
	"math"

	"cellcontrol-go/config"
	"cellcontrol-go/types"
	"cellcontrol-go/x/mathx"
)

const (
	kelvinOffset = 273.15
	// socEpsilon keeps the stoichiometric term away from zero so the flow
	// equation stays finite at the SOC extremes.
	socEpsilon = 1e-5
)

// socFromOCV inverts the two-electron Nernst equation around the configured
// standard potential. The sigmoid form maps any OCV into (0,1) and is
// strictly increasing in OCV at fixed temperature.
func socFromOCV(ocv, tempC float64, cal config.Calibration) float64 {
	tK := tempC + kelvinOffset
	x := cal.FaradayConstant / (2 * cal.GasConstant * tK) * (ocv - cal.StandardPotentialV)
	soc := 1 / (1 + math.Exp(-x))
	return mathx.Clamp(soc, 0, 1)
}

// flowTarget converts cell current into the pump flow that delivers lambda
// times the stoichiometric reactant demand, in µl/min. The limiting species
// depletes towards the SOC extreme the cell is heading for, so the term in
// the denominator is (1-SOC) while charging and SOC while discharging: the
// target rises monotonically with SOC during charge and falls during
// discharge.
func flowTarget(soc, currentA, lambda float64, cal config.Calibration, ctl config.Control) int {
	socTerm := mathx.Clamp(soc, socEpsilon, 1-socEpsilon)
	if currentA >= 0 {
		socTerm = 1 - socTerm
	}
	concMolUl := cal.ConcentrationMolL * 1e-6
	ulSec := lambda * (math.Abs(currentA) * float64(cal.NCell)) /
		(cal.FaradayConstant * socTerm * concMolUl)
	ul := int(math.Round(ulSec * 60))
	return mathx.Clamp(ul, ctl.MinFlowUlMin, ctl.MaxFlowUlMin)
}

// estimator turns telemetry into a ControlState. While the cycler feed is
// fresh it re-anchors SOC from OCV every tick; across a stale stretch it
// coulomb-counts from the last known SOC using the last known current, so the
// flow command degrades gracefully instead of freezing.
type estimator struct {
	cal config.Calibration
	ctl config.Control

	soc      float64
	haveSOC  bool
	lastTSms int64
	lastA    float64
}

func newEstimator(cal config.Calibration, ctl config.Control) *estimator {
	return &estimator{cal: cal, ctl: ctl}
}

// avgTemp averages the configured thermistor channels, falling back to the
// calibration default when none of them produced a reading this tick.
func (e *estimator) avgTemp(s types.TelemetrySample) float64 {
	var sum float64
	var n int
	for _, ch := range e.cal.TempSensors {
		if ch >= 0 && ch < types.NumTempChannels && s.TempRead[ch] {
			sum += s.Temps[ch]
			n++
		}
	}
	if n == 0 {
		return e.cal.TempFallbackC
	}
	return sum / float64(n)
}

func (e *estimator) update(s types.TelemetrySample, set types.Settings) types.ControlState {
	st := types.ControlState{AvgTempC: e.avgTemp(s)}

	cyclerFresh := !s.Stale.Has(types.StaleCycler)
	switch {
	case cyclerFresh:
		e.soc = socFromOCV(s.OCV, st.AvgTempC, e.cal)
		e.haveSOC = true
		e.lastA = s.Current
	case e.haveSOC && e.cal.CellCapacityAh > 0:
		// Coulomb-count across the gap with the last known current.
		dtH := float64(s.TSms-e.lastTSms) / 3.6e6
		e.soc = mathx.Clamp(e.soc+e.lastA*dtH/e.cal.CellCapacityAh, 0, 1)
		st.EstimationStale = true
	default:
		st.EstimationStale = true
	}
	e.lastTSms = s.TSms

	st.SOC = e.soc
	st.Charging = e.lastA >= 0
	if st.Charging {
		st.ActiveLambda = set.LambdaCharge
	} else {
		st.ActiveLambda = set.LambdaDischarge
	}
	if e.haveSOC {
		st.TargetUlMin = flowTarget(e.soc, e.lastA, st.ActiveLambda, e.cal, e.ctl)
	}
	return st
}
