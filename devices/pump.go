package devices

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"cellcontrol-go/config"
	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

// KNF SIMDOS wire protocol control bytes.
const (
	pumpSTX byte = 0x02
	pumpETX byte = 0x03
	pumpACK byte = 0x06
	pumpNAK byte = 0x15
)

// Pump run modes (MSn).
const (
	PumpModeRun      = 0
	PumpModeDispense = 1
)

// Per-model flow limits in µl/min, enforced before transmission.
var pumpFlowLimits = map[string]struct{ Min, Max int }{
	"SIMDOS02": {Min: 30, Max: 20000},
	"SIMDOS10": {Min: 1000, Max: 100000},
}

// Pump drives one KNF SIMDOS dosing pump over RS-232. Frames are
// STX + two-digit address + ASCII command + ETX + LRC, where the LRC is the
// XOR of every preceding byte. The pump answers ACK, NAK, or ACK followed by
// an STX..ETX+LRC data frame.
type Pump struct {
	h    *Handle
	cfg  config.PumpConfig
	tmo  config.Timeouts
	port serial.Port

	limits struct{ Min, Max int }

	// The engine goroutine reads commanded/running state directly while a
	// worker job may still be writing it (a timed-out job keeps running), so
	// this state carries its own lock. I/O stays lock-free: the worker
	// serialises it.
	mu            sync.Mutex
	lastCommanded int // last flow rate accepted by SetFlow
	running       bool
}

func NewPump(role types.Role, cfg config.PumpConfig, tmo config.Timeouts) *Pump {
	p := &Pump{h: NewHandle(role, cfg.Port), cfg: cfg, tmo: tmo}
	if lim, ok := pumpFlowLimits[cfg.Model]; ok {
		p.limits = lim
	} else {
		p.limits = pumpFlowLimits["SIMDOS10"]
	}
	return p
}

func (p *Pump) Role() types.Role           { return p.h.Role() }
func (p *Pump) Status() types.DeviceStatus { return p.h.Status() }
func (p *Pump) Limits() (min, max int)     { return p.limits.Min, p.limits.Max }

func (p *Pump) LastCommanded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCommanded
}

func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pump) SetPort(port string) {
	p.cfg.Port = port
	p.h.SetPort(port)
}

func (p *Pump) Connect() error {
	if p.port != nil {
		return nil
	}
	p.h.setStatus(types.StatusConnecting, "")
	mode := &serial.Mode{BaudRate: p.cfg.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := openPort(p.cfg.Port, mode, p.tmo.Read())
	if err != nil {
		p.h.setStatus(types.StatusDisconnected, err.Error())
		return errcode.Wrap(errcode.ConnectFailed, "pump.connect", err)
	}
	p.port = port
	// Address echo doubles as a liveness probe.
	if _, err := p.exchange("?AD", true); err != nil {
		port.Close()
		p.port = nil
		p.h.setStatus(types.StatusDisconnected, err.Error())
		return errcode.Wrap(errcode.ConnectFailed, "pump.connect", err)
	}
	p.h.setStatus(types.StatusConnected, "")
	p.h.MarkRead()
	return nil
}

func (p *Pump) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.h.setStatus(types.StatusDisconnected, "")
	return err
}

// SetFlow validates against the model limits and writes the run-mode flow
// rate. Out-of-range values are rejected before anything touches the wire.
func (p *Pump) SetFlow(ulMin int) error {
	if ulMin < p.limits.Min || ulMin > p.limits.Max {
		return &errcode.E{C: errcode.OutOfRange, Op: "pump.set_flow",
			Msg: fmt.Sprintf("%d outside %d..%d", ulMin, p.limits.Min, p.limits.Max)}
	}
	if _, err := p.exchange(fmt.Sprintf("RV%08d", ulMin), false); err != nil {
		return err
	}
	p.mu.Lock()
	p.lastCommanded = ulMin
	p.mu.Unlock()
	return nil
}

// ReadFlow reads back the run-mode flow rate (?RV) in µl/min.
func (p *Pump) ReadFlow() (int, error) {
	data, err := p.exchange("?RV", true)
	if err != nil {
		return 0, err
	}
	return parsePumpInt(data)
}

func (p *Pump) SetMode(mode int) error {
	if mode < 0 || mode > 3 {
		return &errcode.E{C: errcode.InvalidParams, Op: "pump.set_mode"}
	}
	_, err := p.exchange(fmt.Sprintf("MS%d", mode), false)
	return err
}

func (p *Pump) ReadMode() (int, error) {
	data, err := p.exchange("?MS", true)
	if err != nil {
		return 0, err
	}
	return parsePumpInt(data)
}

func (p *Pump) Start() error {
	if _, err := p.exchange("KY1", false); err != nil {
		return err
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *Pump) Stop() error {
	if _, err := p.exchange("KY0", false); err != nil {
		return err
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// Prime runs the pump for n single strokes to fill the lines.
func (p *Pump) Prime(strokes int) error {
	if strokes < 1 {
		strokes = 1
	}
	for i := 0; i < strokes; i++ {
		if _, err := p.exchange("KY2", false); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// exchange sends one framed command and reads the reply. When expectData is
// set, the ACK must be followed by a data frame, whose payload is returned.
func (p *Pump) exchange(cmd string, expectData bool) (string, error) {
	if p.port == nil {
		return "", errcode.NotConnected
	}
	frame := buildPumpFrame(p.cfg.Address, cmd)
	if _, err := p.port.Write(frame); err != nil {
		p.h.MarkError(err)
		return "", errcode.Wrap(errcode.WriteTimeout, "pump.write", err)
	}

	first, err := p.readByte()
	if err != nil {
		p.h.MarkError(err)
		return "", err
	}
	switch first {
	case pumpNAK:
		return "", errcode.NACK
	case pumpACK:
		if !expectData {
			p.h.MarkRead()
			return "", nil
		}
	default:
		err := &errcode.E{C: errcode.BadFrame, Op: "pump.read",
			Msg: fmt.Sprintf("unexpected lead byte 0x%02X", first)}
		p.h.MarkError(err)
		return "", err
	}

	payload, err := p.readDataFrame()
	if err != nil {
		p.h.MarkError(err)
		return "", err
	}
	p.h.MarkRead()
	return payload, nil
}

func (p *Pump) readByte() (byte, error) {
	buf := make([]byte, 1)
	deadline := time.Now().Add(p.tmo.Read())
	for time.Now().Before(deadline) {
		n, err := p.port.Read(buf)
		if err != nil {
			return 0, errcode.Wrap(errcode.ReadTimeout, "pump.read", err)
		}
		if n > 0 {
			return buf[0], nil
		}
	}
	return 0, errcode.ReadTimeout
}

// readDataFrame reads STX .. ETX plus the trailing LRC and verifies it.
func (p *Pump) readDataFrame() (string, error) {
	var raw []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(p.tmo.Read())
	for time.Now().Before(deadline) {
		n, err := p.port.Read(buf)
		if err != nil {
			return "", errcode.Wrap(errcode.ReadTimeout, "pump.read", err)
		}
		if n > 0 {
			raw = append(raw, buf[:n]...)
			if i := bytes.IndexByte(raw, pumpETX); i >= 0 && len(raw) > i+1 {
				frame, lrc := raw[:i+1], raw[i+1]
				if frame[0] != pumpSTX {
					return "", errcode.BadFrame
				}
				if xorLRC(frame) != lrc {
					return "", &errcode.E{C: errcode.BadFrame, Op: "pump.read", Msg: "lrc mismatch"}
				}
				return string(frame[1 : len(frame)-1]), nil
			}
		}
	}
	return "", errcode.ReadTimeout
}

func buildPumpFrame(address, cmd string) []byte {
	frame := make([]byte, 0, len(address)+len(cmd)+3)
	frame = append(frame, pumpSTX)
	frame = append(frame, address...)
	frame = append(frame, cmd...)
	frame = append(frame, pumpETX)
	return append(frame, xorLRC(frame))
}

func xorLRC(b []byte) byte {
	var lrc byte
	for _, c := range b {
		lrc ^= c
	}
	return lrc
}

// parsePumpInt extracts the trailing integer of a data payload, tolerating a
// leading command echo (e.g. "RV00030000" -> 30000).
func parsePumpInt(payload string) (int, error) {
	start := len(payload)
	for start > 0 && payload[start-1] >= '0' && payload[start-1] <= '9' {
		start--
	}
	if start == len(payload) {
		return 0, &errcode.E{C: errcode.BadFrame, Op: "pump.parse", Msg: payload}
	}
	v, err := strconv.Atoi(payload[start:])
	if err != nil {
		return 0, errcode.Wrap(errcode.BadFrame, "pump.parse", err)
	}
	return v, nil
}
