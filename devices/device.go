// Package devices implements the serial adaptors for the rig's hardware:
// two KNF SIMDOS dosing pumps, a GW Instek GPM-8213 power meter, and the
// Arduino relay/thermistor board. Each adaptor owns its serial handle; all
// calls are serialised by the engine's per-device worker, so adaptors do not
// lock around I/O. State getters (LastCommanded, Running, RelayOpen) are read
// off-worker by the engine and guard their fields with a mutex.
package devices

import (
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"cellcontrol-go/types"
	"cellcontrol-go/x/timex"
)

// Device is the uniform surface every adaptor exposes. Role-specific
// operations live on the concrete types (Pump, PowerMeter, Board).
type Device interface {
	Role() types.Role
	// Connect opens the serial port and probes the instrument. It is never
	// called automatically after a failure: reconnection is caller-initiated
	// so control does not silently resume with stale calibration.
	Connect() error
	Close() error
	Status() types.DeviceStatus
	// SetPort retargets the adaptor; takes effect on the next Connect.
	SetPort(port string)
}

// PumpDevice is the pump surface the engine drives. Implemented by Pump and
// SimPump.
type PumpDevice interface {
	Device
	SetFlow(ulMin int) error
	ReadFlow() (int, error)
	SetMode(mode int) error
	ReadMode() (int, error)
	Start() error
	Stop() error
	Prime(strokes int) error
	Limits() (min, max int)
	LastCommanded() int
	Running() bool
}

// MeterDevice is the power-meter surface the engine drives.
type MeterDevice interface {
	Device
	Readings() (PowerReadings, error)
	StartIntegrator() error
	StopIntegrator() error
}

// BoardDevice is the controller-board surface the engine drives.
type BoardDevice interface {
	Device
	SetRelay(open bool) error
	RelayOpen() bool
	ReadTemperature(channel int) (float64, error)
	PrimingSensor() (string, error)
}

// Handle tracks the externally visible connection state of one device slot.
// Status transitions are the only mutation visible outside the adaptor.
type Handle struct {
	mu     sync.Mutex
	role   types.Role
	port   string
	status types.Status
	err    string
	lastMs int64
}

func NewHandle(role types.Role, port string) *Handle {
	return &Handle{role: role, port: port, status: types.StatusDisconnected}
}

func (h *Handle) Role() types.Role { return h.role }

func (h *Handle) SetPort(port string) {
	h.mu.Lock()
	h.port = port
	h.mu.Unlock()
}

func (h *Handle) setStatus(s types.Status, errMsg string) {
	h.mu.Lock()
	h.status = s
	h.err = errMsg
	h.mu.Unlock()
}

// MarkRead records a successful read and clears a prior error status.
func (h *Handle) MarkRead() {
	h.mu.Lock()
	h.lastMs = timex.NowMs()
	if h.status == types.StatusError {
		h.status = types.StatusConnected
		h.err = ""
	}
	h.mu.Unlock()
}

// MarkError moves the handle to the error state; the connection stays open
// and reads keep returning errors until the caller reconnects.
func (h *Handle) MarkError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.status = types.StatusError
	h.err = err.Error()
	h.mu.Unlock()
}

func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == types.StatusConnected || h.status == types.StatusError
}

func (h *Handle) Status() types.DeviceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return types.DeviceStatus{
		Role:       h.role,
		Status:     h.status,
		Port:       h.port,
		LastReadMs: h.lastMs,
		Error:      h.err,
	}
}

// openPort opens a serial port with the given mode and a bounded read
// timeout, so a dead instrument degrades to a timeout error instead of a
// stalled tick.
func openPort(name string, mode *serial.Mode, readTimeout time.Duration) (serial.Port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// ListPorts enumerates serial ports for the connect UI, USB devices first.
func ListPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var usb, other []string
	for _, d := range details {
		if d.IsUSB {
			usb = append(usb, d.Name)
		} else {
			other = append(other, d.Name)
		}
	}
	return append(usb, other...), nil
}
