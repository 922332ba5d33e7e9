package devices

import (
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"cellcontrol-go/config"
	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

// PowerReadings is one numeric fetch from the meter.
type PowerReadings struct {
	Voltage  float64 // Vrms
	Current  float64 // Irms, A
	Power    float64 // active power, W
	EnergyWh float64 // accumulated watt-hours since integrator start
}

// PowerMeter drives a GW Instek GPM-8213 over SCPI on RS-232. Setup pins the
// four numeric items to U, I, P, WH so one VALue? query returns a full
// reading.
type PowerMeter struct {
	h    *Handle
	cfg  config.SerialConfig
	tmo  config.Timeouts
	port serial.Port
}

func NewPowerMeter(cfg config.SerialConfig, tmo config.Timeouts) *PowerMeter {
	return &PowerMeter{h: NewHandle(types.RolePowerMeter, cfg.Port), cfg: cfg, tmo: tmo}
}

func (m *PowerMeter) Role() types.Role           { return m.h.Role() }
func (m *PowerMeter) Status() types.DeviceStatus { return m.h.Status() }

func (m *PowerMeter) SetPort(port string) {
	m.cfg.Port = port
	m.h.SetPort(port)
}

func (m *PowerMeter) Connect() error {
	if m.port != nil {
		return nil
	}
	m.h.setStatus(types.StatusConnecting, "")
	mode := &serial.Mode{BaudRate: m.cfg.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := openPort(m.cfg.Port, mode, m.tmo.Read())
	if err != nil {
		m.h.setStatus(types.StatusDisconnected, err.Error())
		return errcode.Wrap(errcode.ConnectFailed, "powermeter.connect", err)
	}
	m.port = port
	if err := m.setup(); err != nil {
		port.Close()
		m.port = nil
		m.h.setStatus(types.StatusDisconnected, err.Error())
		return err
	}
	m.h.setStatus(types.StatusConnected, "")
	m.h.MarkRead()
	return nil
}

func (m *PowerMeter) Close() error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	m.h.setStatus(types.StatusDisconnected, "")
	return err
}

func (m *PowerMeter) setup() error {
	cmds := []string{
		":COMMunicate:HEADer OFF",
		":COMMunicate:VERBose OFF",
		":NUMeric:NORMal:ITEM1 U",
		":NUMeric:NORMal:ITEM2 I",
		":NUMeric:NORMal:ITEM3 P",
		":NUMeric:NORMal:ITEM4 WH",
		":NUMeric:NORMal:NUMBer 4",
		":INTegrate:MODE MANUal",
		":INTegrate:FUNCtion WATT",
	}
	for _, c := range cmds {
		if err := m.send(c); err != nil {
			return err
		}
	}
	return nil
}

// Readings queries the four configured numeric items.
func (m *PowerMeter) Readings() (PowerReadings, error) {
	var r PowerReadings
	line, err := m.query(":NUMeric:NORMal:VALue?")
	if err != nil {
		m.h.MarkError(err)
		return r, err
	}
	fields := strings.Split(line, ",")
	if len(fields) < 4 {
		err := &errcode.E{C: errcode.BadFrame, Op: "powermeter.read", Msg: line}
		m.h.MarkError(err)
		return r, err
	}
	r.Voltage = parseMeterFloat(fields[0])
	r.Current = parseMeterFloat(fields[1])
	r.Power = parseMeterFloat(fields[2])
	r.EnergyWh = parseMeterFloat(fields[3])
	m.h.MarkRead()
	return r, nil
}

// StartIntegrator resets and starts energy accumulation; called when a
// logging session begins.
func (m *PowerMeter) StartIntegrator() error {
	if err := m.send(":INTegrate:RESet"); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond) // meter needs to settle after reset
	return m.send(":INTegrate:STARt")
}

func (m *PowerMeter) StopIntegrator() error {
	return m.send(":INTegrate:STOP")
}

func (m *PowerMeter) send(cmd string) error {
	if m.port == nil {
		return errcode.NotConnected
	}
	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		m.h.MarkError(err)
		return errcode.Wrap(errcode.WriteTimeout, "powermeter.write", err)
	}
	return nil
}

func (m *PowerMeter) query(cmd string) (string, error) {
	if err := m.send(cmd); err != nil {
		return "", err
	}
	var raw []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(m.tmo.Read())
	for time.Now().Before(deadline) {
		n, err := m.port.Read(buf)
		if err != nil {
			return "", errcode.Wrap(errcode.ReadTimeout, "powermeter.read", err)
		}
		if n > 0 {
			raw = append(raw, buf[:n]...)
			if i := strings.IndexByte(string(raw), '\n'); i >= 0 {
				return strings.TrimSpace(string(raw[:i])), nil
			}
		}
	}
	return "", errcode.ReadTimeout
}

// parseMeterFloat maps the meter's "NAN" marker and parse failures to zero,
// matching how readings are logged.
func parseMeterFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "nan") {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
