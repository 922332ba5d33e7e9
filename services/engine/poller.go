// services/engine/poller.go
package engine

import (
	"context"
	"time"

	"cellcontrol-go/cycler"
	"cellcontrol-go/devices"
	"cellcontrol-go/types"
	"cellcontrol-go/x/timex"
)

// DeviceSet groups the rig's device slots behind their role interfaces so
// the engine runs identically against serial hardware and the simulators.
type DeviceSet struct {
	PumpA devices.PumpDevice
	PumpB devices.PumpDevice
	Meter devices.MeterDevice
	Board devices.BoardDevice
}

func (d DeviceSet) pump(role types.Role) devices.PumpDevice {
	if role == types.RolePumpB {
		return d.PumpB
	}
	return d.PumpA
}

func (d DeviceSet) byRole(role types.Role) devices.Device {
	switch role {
	case types.RolePumpA:
		return d.PumpA
	case types.RolePumpB:
		return d.PumpB
	case types.RolePowerMeter:
		return d.Meter
	default:
		return d.Board
	}
}

// poller assembles one immutable TelemetrySample per tick. Every slot is read
// through its worker with a bounded budget; a slot that fails or times out
// keeps its previous value and gets its staleness bit set, and never delays
// the other slots past the budget.
type poller struct {
	devs    DeviceSet
	workers map[types.Role]*worker
	cyc     *cycler.Reader
	budget  time.Duration

	last types.TelemetrySample
	seq  uint64
}

func newPoller(devs DeviceSet, workers map[types.Role]*worker, cyc *cycler.Reader, budget time.Duration) *poller {
	return &poller{devs: devs, workers: workers, cyc: cyc, budget: budget}
}

func connected(d devices.Device) bool {
	s := d.Status().Status
	return s == types.StatusConnected || s == types.StatusError
}

func (p *poller) collect() types.TelemetrySample {
	p.seq++
	s := p.last
	s.Seq = p.seq
	s.TSms = timex.NowMs()
	s.Stale = 0
	s.TempRead = [types.NumTempChannels]bool{}

	p.collectCycler(&s)
	p.collectMeter(&s)
	p.collectBoard(&s)
	p.collectPump(&s, types.RolePumpA)
	p.collectPump(&s, types.RolePumpB)

	p.last = s
	return s
}

func (p *poller) collectCycler(s *types.TelemetrySample) {
	r, err := p.cyc.Latest()
	if err != nil {
		s.Stale |= types.StaleCycler
		return
	}
	s.CycleNumber = r.CycleNumber
	s.StepType = r.StepType
	s.Current = r.CurrentA
	s.OCV = r.OCV
}

func (p *poller) collectMeter(s *types.TelemetrySample) {
	if !connected(p.devs.Meter) {
		s.Stale |= types.StalePower
		return
	}
	var r devices.PowerReadings
	err := p.workers[types.RolePowerMeter].doTimeout(p.budget, func() error {
		var e error
		r, e = p.devs.Meter.Readings()
		return e
	})
	if err != nil {
		s.Stale |= types.StalePower
		return
	}
	s.Voltage = r.Voltage
	s.MeterCurrent = r.Current
	s.Power = r.Power
	s.EnergyWh = r.EnergyWh
}

func (p *poller) collectBoard(s *types.TelemetrySample) {
	if !connected(p.devs.Board) {
		s.Stale |= types.StaleTemps | types.StaleRelay
		return
	}
	// One budget covers the whole thermistor sweep.
	ctx, cancel := context.WithTimeout(context.Background(), p.budget)
	defer cancel()
	temps := s.Temps
	var read [types.NumTempChannels]bool
	err := p.workers[types.RoleBoard].do(ctx, func() error {
		for ch := 0; ch < types.NumTempChannels; ch++ {
			v, e := p.devs.Board.ReadTemperature(ch)
			if e != nil {
				continue
			}
			temps[ch] = v
			read[ch] = true
		}
		return nil
	})
	if err != nil {
		s.Stale |= types.StaleTemps | types.StaleRelay
		return
	}
	s.Temps = temps
	s.TempRead = read
	any := false
	for _, ok := range read {
		any = any || ok
	}
	if !any {
		s.Stale |= types.StaleTemps
	}
	s.RelayOpen = p.devs.Board.RelayOpen()
}

func (p *poller) collectPump(s *types.TelemetrySample, role types.Role) {
	bit := types.StalePumpA
	dst := &s.PumpA
	if role == types.RolePumpB {
		bit = types.StalePumpB
		dst = &s.PumpB
	}
	pump := p.devs.pump(role)
	if !connected(pump) {
		s.Stale |= bit
		return
	}
	var flow, mode int
	err := p.workers[role].doTimeout(p.budget, func() error {
		f, e := pump.ReadFlow()
		if e != nil {
			return e
		}
		m, e := pump.ReadMode()
		if e != nil {
			return e
		}
		flow, mode = f, m
		return nil
	})
	if err != nil {
		s.Stale |= bit
		return
	}
	dst.ActualUlMin = flow
	dst.Mode = mode
	dst.CommandedUlMin = pump.LastCommanded()
	dst.Running = pump.Running()
}
