package devices

import (
	"math"
	"sync"
	"time"

	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

// Simulated devices back the -sim mode and the engine tests. They speak the
// same interfaces as the serial adaptors but keep all state in memory and
// never sleep. The electrical traces are deterministic functions of an
// internal step counter so test runs are repeatable.

// SimPump mimics a SIMDOS pump: same flow limits, same rejection behaviour.
type SimPump struct {
	mu sync.Mutex
	h  *Handle

	limits struct{ Min, Max int }
	flow   int
	mode   int

	lastCommanded int
	running       bool

	failErr error
}

func NewSimPump(role types.Role, model string) *SimPump {
	p := &SimPump{h: NewHandle(role, "sim")}
	if lim, ok := pumpFlowLimits[model]; ok {
		p.limits = lim
	} else {
		p.limits = pumpFlowLimits["SIMDOS10"]
	}
	p.flow = p.limits.Min
	return p
}

func (p *SimPump) Role() types.Role           { return p.h.Role() }
func (p *SimPump) Status() types.DeviceStatus { return p.h.Status() }
func (p *SimPump) SetPort(port string)        { p.h.SetPort(port) }
func (p *SimPump) Limits() (min, max int)     { return p.limits.Min, p.limits.Max }

func (p *SimPump) Connect() error {
	p.h.setStatus(types.StatusConnected, "")
	p.h.MarkRead()
	return nil
}

func (p *SimPump) Close() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.h.setStatus(types.StatusDisconnected, "")
	return nil
}

func (p *SimPump) fail() error {
	if p.failErr != nil {
		p.h.MarkError(p.failErr)
		return p.failErr
	}
	p.h.MarkRead()
	return nil
}

func (p *SimPump) SetFlow(ulMin int) error {
	if ulMin < p.limits.Min || ulMin > p.limits.Max {
		return &errcode.E{C: errcode.OutOfRange, Op: "pump.set_flow"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.flow = ulMin
	p.lastCommanded = ulMin
	return nil
}

func (p *SimPump) ReadFlow() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return 0, err
	}
	return p.flow, nil
}

func (p *SimPump) SetMode(mode int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.mode = mode
	return nil
}

func (p *SimPump) ReadMode() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return 0, err
	}
	return p.mode, nil
}

func (p *SimPump) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.running = true
	return nil
}

func (p *SimPump) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.running = false
	return nil
}

func (p *SimPump) Prime(strokes int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail()
}

func (p *SimPump) LastCommanded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommanded
}

func (p *SimPump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SimPowerMeter produces a slow voltage/current sweep and integrates energy
// while its integrator runs.
type SimPowerMeter struct {
	mu sync.Mutex
	h  *Handle

	step        int
	energyWh    float64
	integrating bool
	lastMark    time.Time

	failErr error
}

func NewSimPowerMeter() *SimPowerMeter {
	return &SimPowerMeter{h: NewHandle(types.RolePowerMeter, "sim")}
}

func (m *SimPowerMeter) Role() types.Role           { return m.h.Role() }
func (m *SimPowerMeter) Status() types.DeviceStatus { return m.h.Status() }
func (m *SimPowerMeter) SetPort(port string)        { m.h.SetPort(port) }

func (m *SimPowerMeter) Connect() error {
	m.h.setStatus(types.StatusConnected, "")
	m.h.MarkRead()
	return nil
}

func (m *SimPowerMeter) Close() error {
	m.h.setStatus(types.StatusDisconnected, "")
	return nil
}

func (m *SimPowerMeter) Readings() (PowerReadings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		m.h.MarkError(m.failErr)
		return PowerReadings{}, m.failErr
	}
	m.step++
	phase := float64(m.step) / 40.0
	r := PowerReadings{
		Voltage: 1.40 + 0.15*math.Sin(phase),
		Current: 2.0 + 0.5*math.Cos(phase),
	}
	r.Power = r.Voltage * r.Current
	now := time.Now()
	if m.integrating {
		r.EnergyWh = m.energyWh + r.Power*now.Sub(m.lastMark).Hours()
		m.energyWh = r.EnergyWh
		m.lastMark = now
	}
	m.h.MarkRead()
	return r, nil
}

func (m *SimPowerMeter) StartIntegrator() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energyWh = 0
	m.integrating = true
	m.lastMark = time.Now()
	return nil
}

func (m *SimPowerMeter) StopIntegrator() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.integrating = false
	return nil
}

// SimBoard reports room-temperature thermistors with a small deterministic
// ripple and remembers the relay state.
type SimBoard struct {
	mu sync.Mutex
	h  *Handle

	step      int
	relayOpen bool

	// TempBase overrides the default 25 °C baseline when non-zero.
	TempBase float64
	failErr  error
}

func NewSimBoard() *SimBoard {
	return &SimBoard{h: NewHandle(types.RoleBoard, "sim")}
}

func (b *SimBoard) Role() types.Role           { return b.h.Role() }
func (b *SimBoard) Status() types.DeviceStatus { return b.h.Status() }
func (b *SimBoard) SetPort(port string)        { b.h.SetPort(port) }

func (b *SimBoard) Connect() error {
	b.h.setStatus(types.StatusConnected, "")
	b.h.MarkRead()
	return nil
}

func (b *SimBoard) Close() error {
	b.h.setStatus(types.StatusDisconnected, "")
	return nil
}

func (b *SimBoard) SetRelay(open bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		b.h.MarkError(b.failErr)
		return b.failErr
	}
	b.relayOpen = open
	b.h.MarkRead()
	return nil
}

func (b *SimBoard) RelayOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relayOpen
}

func (b *SimBoard) ReadTemperature(channel int) (float64, error) {
	if channel < 0 || channel >= types.NumTempChannels {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "board.temperature"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		b.h.MarkError(b.failErr)
		return 0, b.failErr
	}
	b.step++
	base := b.TempBase
	if base == 0 {
		base = 25.0
	}
	b.h.MarkRead()
	return base + 0.2*math.Sin(float64(b.step+channel*7)/30.0), nil
}

// SetFail injects a fault: every subsequent operation fails with err until
// cleared with nil.
func (p *SimPump) SetFail(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

func (m *SimPowerMeter) SetFail(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (b *SimBoard) SetFail(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

func (b *SimBoard) PrimingSensor() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return "", b.failErr
	}
	return "1", nil
}
