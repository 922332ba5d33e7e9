package devices

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"cellcontrol-go/config"
	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

// Board drives the Arduino relay/thermistor controller. The protocol is a
// single-character command answered by one text line:
//
//	'1' / '0'  open / close the rebalance relay
//	'a'..'e'   read thermistor channels A0..A4 (°C as decimal text)
//	'f'        read the priming sensor
type Board struct {
	h    *Handle
	cfg  config.SerialConfig
	tmo  config.Timeouts
	port serial.Port

	// Read by the engine goroutine while a worker job may still be writing
	// it, same discipline as Pump's commanded state.
	mu        sync.Mutex
	relayOpen bool
}

var boardTempCommands = [types.NumTempChannels]byte{'a', 'b', 'c', 'd', 'e'}

func NewBoard(cfg config.SerialConfig, tmo config.Timeouts) *Board {
	return &Board{h: NewHandle(types.RoleBoard, cfg.Port), cfg: cfg, tmo: tmo}
}

func (b *Board) Role() types.Role           { return b.h.Role() }
func (b *Board) Status() types.DeviceStatus { return b.h.Status() }

func (b *Board) RelayOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.relayOpen
}

func (b *Board) SetPort(port string) {
	b.cfg.Port = port
	b.h.SetPort(port)
}

func (b *Board) Connect() error {
	if b.port != nil {
		return nil
	}
	b.h.setStatus(types.StatusConnecting, "")
	mode := &serial.Mode{BaudRate: b.cfg.Baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := openPort(b.cfg.Port, mode, b.tmo.Read())
	if err != nil {
		b.h.setStatus(types.StatusDisconnected, err.Error())
		return errcode.Wrap(errcode.ConnectFailed, "board.connect", err)
	}
	b.port = port

	// Opening the port resets the Arduino; give the bootloader time, then
	// consume the "Ready" banner if one arrives. A missing banner is not
	// fatal: older sketches boot silently, so a probe read decides.
	time.Sleep(2 * time.Second)
	_, _ = b.readLine()
	if _, err := b.ReadTemperature(0); err != nil {
		port.Close()
		b.port = nil
		b.h.setStatus(types.StatusDisconnected, err.Error())
		return errcode.Wrap(errcode.ConnectFailed, "board.connect", err)
	}
	b.h.setStatus(types.StatusConnected, "")
	return nil
}

func (b *Board) Close() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	b.h.setStatus(types.StatusDisconnected, "")
	return err
}

// SetRelay opens or closes the rebalance relay.
func (b *Board) SetRelay(open bool) error {
	cmd := byte('0')
	if open {
		cmd = '1'
	}
	if _, err := b.command(cmd); err != nil {
		return err
	}
	b.mu.Lock()
	b.relayOpen = open
	b.mu.Unlock()
	return nil
}

// ReadTemperature reads one thermistor channel in °C.
func (b *Board) ReadTemperature(channel int) (float64, error) {
	if channel < 0 || channel >= types.NumTempChannels {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "board.temperature"}
	}
	line, err := b.command(boardTempCommands[channel])
	if err != nil {
		return 0, err
	}
	v, perr := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if perr != nil {
		// The sketch answers "Sensor_Error" for an open thermistor.
		return 0, &errcode.E{C: errcode.BadFrame, Op: "board.temperature", Msg: line}
	}
	return v, nil
}

// PrimingSensor reports the raw priming sensor line.
func (b *Board) PrimingSensor() (string, error) {
	return b.command('f')
}

func (b *Board) command(c byte) (string, error) {
	if b.port == nil {
		return "", errcode.NotConnected
	}
	if _, err := b.port.Write([]byte{c}); err != nil {
		b.h.MarkError(err)
		return "", errcode.Wrap(errcode.WriteTimeout, "board.write", err)
	}
	line, err := b.readLine()
	if err != nil {
		b.h.MarkError(err)
		return "", err
	}
	b.h.MarkRead()
	return line, nil
}

func (b *Board) readLine() (string, error) {
	var raw []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(b.tmo.Read())
	for time.Now().Before(deadline) {
		n, err := b.port.Read(buf)
		if err != nil {
			return "", errcode.Wrap(errcode.ReadTimeout, "board.read", err)
		}
		if n > 0 {
			raw = append(raw, buf[:n]...)
			if i := strings.IndexByte(string(raw), '\n'); i >= 0 {
				return strings.TrimRight(string(raw[:i]), "\r"), nil
			}
		}
	}
	return "", errcode.ReadTimeout
}
