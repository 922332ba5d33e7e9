// Package engine runs the experiment control loop: one scheduler goroutine
// polls the devices and the cycler feed, estimates SOC, commands the pump
// flows, drives the rebalance valve, and appends to the session log. All
// outside interaction happens over the bus: commands on cell/control/...,
// retained state on cell/state/....
package engine

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cellcontrol-go/bus"
	"cellcontrol-go/config"
	"cellcontrol-go/cycler"
	"cellcontrol-go/types"
)

// Control topics. Commands published with a ReplyTo get an OKReply or
// ErrorReply back.
var (
	TopicRunStart  = bus.Topic{"cell", "control", "run", "start"}
	TopicRunStop   = bus.Topic{"cell", "control", "run", "stop"}
	TopicRunPause  = bus.Topic{"cell", "control", "run", "pause"}
	TopicRunResume = bus.Topic{"cell", "control", "run", "resume"}

	TopicSetLambda    = bus.Topic{"cell", "control", "settings", "lambda"}
	TopicSetIntervals = bus.Topic{"cell", "control", "settings", "intervals"}
	TopicSetOverride  = bus.Topic{"cell", "control", "settings", "override"}

	TopicLogStart = bus.Topic{"cell", "control", "log", "start"}
	TopicLogStop  = bus.Topic{"cell", "control", "log", "stop"}

	TopicPumpCommand   = bus.Topic{"cell", "control", "pump"}
	TopicRelayCommand  = bus.Topic{"cell", "control", "relay"}
	TopicDeviceCommand = bus.Topic{"cell", "control", "device"}
	TopicPrimingRead   = bus.Topic{"cell", "control", "priming"}

	// TopicStateEngine carries the retained EngineSnapshot, refreshed after
	// every tick and after every handled command.
	TopicStateEngine = bus.Topic{"cell", "state", "engine"}
)

const workerDrain = 2 * time.Second

// Engine is the scheduler. Everything it owns is touched only from Run's
// goroutine; concurrency with callers happens over the bus, and with the
// devices over the per-device workers.
type Engine struct {
	cfg  config.Config
	conn *bus.Connection
	devs DeviceSet

	workers map[types.Role]*worker
	poll    *poller
	est     *estimator
	valve   *valve
	logf    *logger
	met     *metrics

	settings types.Settings
	staged   *types.Settings

	runID   string
	running bool
	paused  bool

	lastSample  types.TelemetrySample
	lastControl types.ControlState
	lastLogMs   int64

	valveTimer *time.Timer
}

func New(cfg config.Config, b *bus.Bus, devs DeviceSet) *Engine {
	e := &Engine{
		cfg:     cfg,
		conn:    b.NewConnection("engine"),
		devs:    devs,
		workers: make(map[types.Role]*worker),
		est:     newEstimator(cfg.Profile.Calibration, cfg.Profile.Control),
		valve:   newValve(cfg.Profile.Valve),
		logf:    newLogger(cfg.LogDir),
		met:     newMetrics(),
	}
	for _, role := range types.Roles {
		e.workers[role] = newWorker(role, devs.byRole(role))
	}
	// Each poll budget must cover a full multi-command transaction, reads
	// included, but stay well under the poll interval.
	budget := 4 * cfg.Profile.Timeouts.Read()
	cyc := cycler.New(cfg.Profile.Cycler.Dir, cfg.Profile.Cycler.Channel)
	e.poll = newPoller(devs, e.workers, cyc, budget)
	e.settings = cfg.Profile.Settings()
	return e
}

// MetricsRegistry exposes the engine's prometheus registry for /metrics.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.met.registry }

// Run drives the scheduler until ctx is cancelled. Control messages are
// handled as they arrive; settings mutations are staged and applied at the
// next tick boundary so a tick always runs under one consistent settings set.
func (e *Engine) Run(ctx context.Context) {
	wctx, cancelWorkers := context.WithCancel(context.Background())
	for _, w := range e.workers {
		w.start(wctx)
	}
	sub := e.conn.Subscribe(bus.Topic{"cell", "control", "#"})
	ticker := time.NewTicker(time.Duration(e.settings.PollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	e.publishSnapshot()
	for {
		select {
		case <-ctx.Done():
			e.shutdown(cancelWorkers)
			return
		case msg := <-sub.Channel():
			e.handleControl(msg)
			e.publishSnapshot()
		case <-e.valveTimerC():
			e.closeValve()
			e.publishSnapshot()
		case <-ticker.C:
			// Apply staged settings exactly at the boundary.
			if e.staged != nil {
				if e.staged.PollIntervalMs != e.settings.PollIntervalMs {
					ticker.Reset(time.Duration(e.staged.PollIntervalMs) * time.Millisecond)
				}
				e.settings = *e.staged
				e.staged = nil
			}
			if e.running && !e.paused {
				e.tick()
			}
			e.publishSnapshot()
		}
	}
}

func (e *Engine) valveTimerC() <-chan time.Time {
	if e.valveTimer == nil {
		return nil
	}
	return e.valveTimer.C
}

// tick is one scheduler pass: poll, estimate, command flow, drive the valve,
// log on the log interval.
func (e *Engine) tick() {
	s := e.poll.collect()
	c := e.est.update(s, e.settings)
	e.lastSample = s
	e.lastControl = c

	if e.settings.AutoControl && c.TargetUlMin > 0 {
		e.commandPump(types.RolePumpA, c.TargetUlMin)
		e.commandPump(types.RolePumpB, c.TargetUlMin)
	}

	now := time.Now()
	cyclerFresh := !s.Stale.Has(types.StaleCycler)
	if cyclerFresh && e.valve.shouldOpen(s.CycleNumber, s.StepType) {
		e.openValve(now, s.CycleNumber)
	}
	// Backstop for a close that failed when its timer fired.
	if e.valve.shouldClose(now) {
		e.closeValve()
	}

	if e.logf.active() && s.TSms-e.lastLogMs >= int64(e.settings.LogIntervalMs) {
		if err := e.logf.append(s, c, e.valve.state(now)); err != nil {
			log.Printf("engine: log append: %v", err)
		} else {
			e.met.logRows.Inc()
			e.lastLogMs = s.TSms
		}
	}
	e.met.observeTick(s, c, e.valve.state(now))
}

// commandPump writes the flow target, skipping writes the pump already has.
func (e *Engine) commandPump(role types.Role, ulMin int) {
	pump := e.devs.pump(role)
	if !connected(pump) || pump.LastCommanded() == ulMin {
		return
	}
	err := e.workers[role].doTimeout(e.poll.budget, func() error {
		if err := pump.SetFlow(ulMin); err != nil {
			return err
		}
		if !pump.Running() {
			return pump.Start()
		}
		return nil
	})
	if err != nil {
		e.met.deviceErrors.WithLabelValues(string(role)).Inc()
		log.Printf("engine: %s set flow %d: %v", role, ulMin, err)
	}
}

func (e *Engine) openValve(now time.Time, cycle int) {
	err := e.workers[types.RoleBoard].doTimeout(e.poll.budget, func() error {
		return e.devs.Board.SetRelay(true)
	})
	if err != nil {
		e.met.deviceErrors.WithLabelValues(string(types.RoleBoard)).Inc()
		log.Printf("engine: rebalance open (cycle %d): %v", cycle, err)
		return
	}
	e.valve.opened(now, cycle)
	e.valveTimer = time.NewTimer(e.valve.duration())
	e.met.rebalances.Inc()
	log.Printf("engine: rebalance opened at cycle %d for %s", cycle, e.valve.duration())
}

func (e *Engine) closeValve() {
	if e.valveTimer != nil {
		e.valveTimer.Stop()
		e.valveTimer = nil
	}
	if e.valve.phase != types.ValveRebalancing {
		return
	}
	err := e.workers[types.RoleBoard].doTimeout(e.poll.budget, func() error {
		return e.devs.Board.SetRelay(false)
	})
	if err != nil {
		e.met.deviceErrors.WithLabelValues(string(types.RoleBoard)).Inc()
		log.Printf("engine: rebalance close: %v", err)
		// shouldClose stays true; the next tick retries.
		return
	}
	e.valve.closed()
	log.Printf("engine: rebalance closed")
}

func (e *Engine) publishSnapshot() {
	snap := types.EngineSnapshot{
		RunID:   e.runID,
		Running: e.running,
		Paused:  e.paused,
		Logging: e.logf.active(),
		Sample:  e.lastSample,
		Control: e.lastControl,
		Valve:   e.valve.state(time.Now()),
		Devices: make(map[types.Role]types.DeviceStatus, len(types.Roles)),
		Applied: e.settings,
	}
	for _, role := range types.Roles {
		snap.Devices[role] = e.devs.byRole(role).Status()
	}
	e.conn.Publish(e.conn.NewMessage(TopicStateEngine, snap, true))
}

func (e *Engine) shutdown(cancelWorkers context.CancelFunc) {
	if e.running {
		e.stopRun()
	}
	cancelWorkers()
	for role, w := range e.workers {
		if !w.wait(workerDrain) {
			log.Printf("engine: %s worker did not drain in %s", role, workerDrain)
		}
	}
	for _, role := range types.Roles {
		_ = e.devs.byRole(role).Close()
	}
	e.running = false
	e.publishSnapshot()
	e.conn.Disconnect()
}
