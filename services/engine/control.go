// services/engine/control.go
package engine

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"cellcontrol-go/bus"
	"cellcontrol-go/devices"
	"cellcontrol-go/errcode"
	"cellcontrol-go/types"
)

func (e *Engine) ok(req *bus.Message) {
	e.conn.Reply(req, types.OKReply{OK: true}, false)
}

func (e *Engine) fail(req *bus.Message, err error) {
	e.conn.Reply(req, types.ErrorReply{Error: err.Error()}, false)
}

// handleControl dispatches one cell/control/... message. Commands act
// immediately; settings changes are staged for the next tick boundary, so
// the reply acknowledges acceptance, not application.
func (e *Engine) handleControl(msg *bus.Message) {
	switch {
	case msg.Topic.Equal(TopicRunStart):
		e.startRun()
		e.ok(msg)
	case msg.Topic.Equal(TopicRunStop):
		e.stopRun()
		e.ok(msg)
	case msg.Topic.Equal(TopicRunPause):
		e.paused = true
		e.ok(msg)
	case msg.Topic.Equal(TopicRunResume):
		e.paused = false
		e.ok(msg)
	case msg.Topic.Equal(TopicSetLambda):
		e.handleSetLambda(msg)
	case msg.Topic.Equal(TopicSetIntervals):
		e.handleSetIntervals(msg)
	case msg.Topic.Equal(TopicSetOverride):
		e.handleSetOverride(msg)
	case msg.Topic.Equal(TopicLogStart):
		e.startLogging()
		e.ok(msg)
	case msg.Topic.Equal(TopicLogStop):
		e.stopLogging()
		e.ok(msg)
	case msg.Topic.Equal(TopicPumpCommand):
		e.handlePumpCommand(msg)
	case msg.Topic.Equal(TopicRelayCommand):
		e.handleRelayCommand(msg)
	case msg.Topic.Equal(TopicDeviceCommand):
		e.handleDeviceCommand(msg)
	case msg.Topic.Equal(TopicPrimingRead):
		e.handlePrimingRead(msg)
	default:
		if msg.CanReply() {
			e.fail(msg, errcode.InvalidTopic)
		}
	}
}

// stagedOrCurrent gives handlers a base to mutate: stacked settings changes
// within one tick window compose instead of clobbering each other.
func (e *Engine) stagedOrCurrent() types.Settings {
	if e.staged != nil {
		return *e.staged
	}
	return e.settings
}

func (e *Engine) handleSetLambda(msg *bus.Message) {
	p, ok := msg.Payload.(types.SetLambda)
	if !ok {
		e.fail(msg, errcode.InvalidPayload)
		return
	}
	ctl := e.cfg.Profile.Control
	for _, l := range []float64{p.Charge, p.Discharge} {
		if l < ctl.LambdaMin || l > ctl.LambdaMax {
			e.fail(msg, &errcode.E{C: errcode.OutOfRange, Op: "set_lambda",
				Msg: fmt.Sprintf("%g outside [%g, %g]", l, ctl.LambdaMin, ctl.LambdaMax)})
			return
		}
	}
	s := e.stagedOrCurrent()
	s.LambdaCharge = p.Charge
	s.LambdaDischarge = p.Discharge
	e.staged = &s
	e.ok(msg)
}

func (e *Engine) handleSetIntervals(msg *bus.Message) {
	p, ok := msg.Payload.(types.SetIntervals)
	if !ok {
		e.fail(msg, errcode.InvalidPayload)
		return
	}
	if p.PollMs < 100 || p.LogMs < p.PollMs {
		e.fail(msg, &errcode.E{C: errcode.InvalidParams, Op: "set_intervals",
			Msg: "need poll_ms >= 100 and log_ms >= poll_ms"})
		return
	}
	s := e.stagedOrCurrent()
	s.PollIntervalMs = p.PollMs
	s.LogIntervalMs = p.LogMs
	e.staged = &s
	e.ok(msg)
}

func (e *Engine) handleSetOverride(msg *bus.Message) {
	p, ok := msg.Payload.(types.SetOverride)
	if !ok {
		e.fail(msg, errcode.InvalidPayload)
		return
	}
	s := e.stagedOrCurrent()
	s.AutoControl = !p.Manual
	e.staged = &s
	e.ok(msg)
}

// handlePumpCommand serves manual pump actions. While auto control is
// driving the pumps, manual commands are rejected so the operator and the
// controller never fight over the flow rate.
func (e *Engine) handlePumpCommand(msg *bus.Message) {
	p, ok := msg.Payload.(types.PumpCommand)
	if !ok {
		e.fail(msg, errcode.InvalidPayload)
		return
	}
	if p.Role != types.RolePumpA && p.Role != types.RolePumpB {
		e.fail(msg, errcode.UnknownDevice)
		return
	}
	if e.running && !e.paused && e.settings.AutoControl {
		e.fail(msg, errcode.ManualOverride)
		return
	}
	pump := e.devs.pump(p.Role)
	err := e.workers[p.Role].doTimeout(e.poll.budget, func() error {
		switch p.Action {
		case "start":
			return pump.Start()
		case "stop":
			return pump.Stop()
		case "prime":
			return pump.Prime(p.Strokes)
		case "set_flow":
			return pump.SetFlow(p.FlowUlMin)
		default:
			return errcode.InvalidCommand
		}
	})
	if err != nil {
		e.met.deviceErrors.WithLabelValues(string(p.Role)).Inc()
		e.fail(msg, err)
		return
	}
	e.ok(msg)
}

// handleRelayCommand toggles the relay by hand. Refused while a rebalance is
// running: its close timer would fight the operator.
func (e *Engine) handleRelayCommand(msg *bus.Message) {
	p, ok := msg.Payload.(types.RelayCommand)
	if !ok {
		e.fail(msg, errcode.InvalidPayload)
		return
	}
	if e.valve.phase == types.ValveRebalancing {
		e.fail(msg, errcode.Busy)
		return
	}
	err := e.workers[types.RoleBoard].doTimeout(e.poll.budget, func() error {
		return e.devs.Board.SetRelay(p.Open)
	})
	if err != nil {
		e.met.deviceErrors.WithLabelValues(string(types.RoleBoard)).Inc()
		e.fail(msg, err)
		return
	}
	e.ok(msg)
}

// handlePrimingRead reads the board's priming sensor on demand. It is not
// polled: the sensor only matters while an operator is filling the lines.
func (e *Engine) handlePrimingRead(msg *bus.Message) {
	if !connected(e.devs.Board) {
		e.fail(msg, errcode.NotConnected)
		return
	}
	var line string
	err := e.workers[types.RoleBoard].doTimeout(e.poll.budget, func() error {
		var rerr error
		line, rerr = e.devs.Board.PrimingSensor()
		return rerr
	})
	if err != nil {
		e.met.deviceErrors.WithLabelValues(string(types.RoleBoard)).Inc()
		e.fail(msg, err)
		return
	}
	e.conn.Reply(msg, types.PrimingReply{OK: true, Value: line}, false)
}

func (e *Engine) handleDeviceCommand(msg *bus.Message) {
	p, ok := msg.Payload.(types.DeviceCommand)
	if !ok {
		e.fail(msg, errcode.InvalidPayload)
		return
	}
	var dev devices.Device
	switch p.Role {
	case types.RolePumpA, types.RolePumpB, types.RolePowerMeter, types.RoleBoard:
		dev = e.devs.byRole(p.Role)
	default:
		e.fail(msg, errcode.UnknownDevice)
		return
	}
	err := e.workers[p.Role].doTimeout(e.cfg.Profile.Timeouts.Connect(), func() error {
		switch p.Action {
		case "connect":
			if p.Port != "" {
				dev.SetPort(p.Port)
			}
			return dev.Connect()
		case "disconnect":
			return dev.Close()
		default:
			return errcode.InvalidCommand
		}
	})
	if err != nil {
		e.fail(msg, err)
		return
	}
	e.ok(msg)
}

// startRun opens a new run: fresh run ID, logging session, energy
// integrator. Starting while running is a no-op.
func (e *Engine) startRun() {
	if e.running {
		return
	}
	e.runID = uuid.NewString()
	e.running = true
	e.paused = false
	e.startLogging()
	log.Printf("engine: run %s started", e.runID)
}

// stopRun halts control and leaves the rig safe: pumps stopped, relay
// closed, log flushed.
func (e *Engine) stopRun() {
	if !e.running {
		return
	}
	e.running = false
	e.paused = false
	for _, role := range []types.Role{types.RolePumpA, types.RolePumpB} {
		pump := e.devs.pump(role)
		if !connected(pump) {
			continue
		}
		if err := e.workers[role].doTimeout(e.poll.budget, pump.Stop); err != nil {
			log.Printf("engine: stop %s: %v", role, err)
		}
	}
	e.closeValve()
	e.stopLogging()
	log.Printf("engine: run %s stopped", e.runID)
}

// startLogging opens the session CSV and restarts the meter's energy
// integrator so the Wh column starts from zero.
func (e *Engine) startLogging() {
	id := e.runID
	if id == "" {
		id = uuid.NewString()
	}
	if err := e.logf.start(id); err != nil {
		log.Printf("engine: log start: %v", err)
		return
	}
	e.lastLogMs = 0
	if connected(e.devs.Meter) {
		err := e.workers[types.RolePowerMeter].doTimeout(e.poll.budget, e.devs.Meter.StartIntegrator)
		if err != nil {
			log.Printf("engine: integrator start: %v", err)
		}
	}
	log.Printf("engine: logging to %s", e.logf.path)
}

func (e *Engine) stopLogging() {
	if !e.logf.active() {
		return
	}
	if connected(e.devs.Meter) {
		err := e.workers[types.RolePowerMeter].doTimeout(e.poll.budget, e.devs.Meter.StopIntegrator)
		if err != nil {
			log.Printf("engine: integrator stop: %v", err)
		}
	}
	if err := e.logf.stop(); err != nil {
		log.Printf("engine: log stop: %v", err)
	}
}
