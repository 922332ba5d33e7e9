// services/engine/logger.go
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cellcontrol-go/types"
	"cellcontrol-go/x/timex"
)

// csvHeader is written once per session file. Column order is stable; new
// columns only get appended so downstream notebooks keep working.
var csvHeader = strings.Join([]string{
	"Timestamp",
	"Cycle Number", "Step Type", "Current(A)", "OCV(V)",
	"Voltage(V)", "PM Current(A)", "Power(W)", "Energy(Wh)",
	"SOC", "Lambda", "Target Flow(ul/min)",
	"PumpA Set(ul/min)", "PumpA Actual(ul/min)", "PumpA Mode",
	"PumpB Set(ul/min)", "PumpB Actual(ul/min)", "PumpB Mode",
	"Relay Open",
	"Temp A0(C)", "Temp A1(C)", "Temp A2(C)", "Temp A3(C)", "Temp A4(C)",
	"Valve Phase", "Missed Triggers",
	"Stale Cycler", "Stale Power", "Stale Temps", "Stale Relay",
	"Stale PumpA", "Stale PumpB",
}, ",") + "\n"

// logger writes the unified session CSV. Each row is one tick's outputs,
// formatted off to the side and appended with a single O_APPEND write, so a
// crash can lose the last row but never tear one.
type logger struct {
	dir  string
	f    *os.File
	path string
}

func newLogger(dir string) *logger {
	return &logger{dir: dir}
}

func (l *logger) active() bool { return l.f != nil }

// start opens a fresh session file named after the run ID and writes the
// header. Starting while active is a no-op.
func (l *logger) start(runID string) error {
	if l.f != nil {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("cell-%s-%s.csv", time.Now().Format("20060102-150405"), runID)
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(csvHeader); err != nil {
		f.Close()
		return err
	}
	l.f = f
	l.path = path
	return nil
}

func (l *logger) stop() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func b01(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// append writes one row from a single tick's sample, control state and valve
// state. All fields come from the same tick; the logger never mixes ticks.
func (l *logger) append(s types.TelemetrySample, c types.ControlState, v types.ValveState) error {
	if l.f == nil {
		return nil
	}
	fields := []string{
		timex.Stamp(time.UnixMilli(s.TSms)),
		fmt.Sprintf("%d", s.CycleNumber),
		s.StepType,
		fmt.Sprintf("%.4f", s.Current),
		fmt.Sprintf("%.4f", s.OCV),
		fmt.Sprintf("%.4f", s.Voltage),
		fmt.Sprintf("%.4f", s.MeterCurrent),
		fmt.Sprintf("%.4f", s.Power),
		fmt.Sprintf("%.4f", s.EnergyWh),
		fmt.Sprintf("%.5f", c.SOC),
		fmt.Sprintf("%.3f", c.ActiveLambda),
		fmt.Sprintf("%d", c.TargetUlMin),
		fmt.Sprintf("%d", s.PumpA.CommandedUlMin),
		fmt.Sprintf("%d", s.PumpA.ActualUlMin),
		fmt.Sprintf("%d", s.PumpA.Mode),
		fmt.Sprintf("%d", s.PumpB.CommandedUlMin),
		fmt.Sprintf("%d", s.PumpB.ActualUlMin),
		fmt.Sprintf("%d", s.PumpB.Mode),
		b01(s.RelayOpen),
	}
	for ch := 0; ch < types.NumTempChannels; ch++ {
		if s.TempRead[ch] {
			fields = append(fields, fmt.Sprintf("%.2f", s.Temps[ch]))
		} else {
			fields = append(fields, "")
		}
	}
	fields = append(fields,
		string(v.Phase),
		fmt.Sprintf("%d", v.MissedTriggers),
		b01(s.Stale.Has(types.StaleCycler)),
		b01(s.Stale.Has(types.StalePower)),
		b01(s.Stale.Has(types.StaleTemps)),
		b01(s.Stale.Has(types.StaleRelay)),
		b01(s.Stale.Has(types.StalePumpA)),
		b01(s.Stale.Has(types.StalePumpB)),
	)
	// Step types come from the cycler verbatim; quote if one ever carries a
	// comma.
	for i, f := range fields {
		if strings.ContainsAny(f, ",\"") {
			fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		}
	}
	_, err := l.f.WriteString(strings.Join(fields, ",") + "\n")
	return err
}
