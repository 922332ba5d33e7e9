package engine

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cellcontrol-go/bus"
	"cellcontrol-go/config"
	"cellcontrol-go/devices"
	"cellcontrol-go/types"
)

type testRig struct {
	bus    *bus.Bus
	eng    *Engine
	cli    *bus.Connection
	sub    *bus.Subscription
	pumpA  *devices.SimPump
	pumpB  *devices.SimPump
	meter  *devices.SimPowerMeter
	board  *devices.SimBoard
	cancel context.CancelFunc
	done   chan struct{}
	cfg    config.Config
}

func newTestRig(t *testing.T, cyclerRows string) *testRig {
	t.Helper()
	cycDir := t.TempDir()
	if cyclerRows != "" {
		path := filepath.Join(cycDir, "Data-24-1 test.csv")
		content := "Channel Index,Cycle Number,Step Type,Current(mA),auxiliary voltage(V)\n" + cyclerRows
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Config{
		LogDir: t.TempDir(),
		Profile: config.Profile{
			Cycler:      config.Cycler{Dir: cycDir, Channel: "1"},
			Calibration: testCalibration(),
			Control:     testControl(),
			Valve:       config.Valve{BaseCycle: 4, IntervalCycles: 10, DurationS: 0.05},
		},
	}

	r := &testRig{
		bus:   bus.NewBus(32),
		pumpA: devices.NewSimPump(types.RolePumpA, "SIMDOS10"),
		pumpB: devices.NewSimPump(types.RolePumpB, "SIMDOS10"),
		meter: devices.NewSimPowerMeter(),
		board: devices.NewSimBoard(),
		cfg:   cfg,
	}
	for _, d := range []devices.Device{r.pumpA, r.pumpB, r.meter, r.board} {
		if err := d.Connect(); err != nil {
			t.Fatal(err)
		}
	}
	r.eng = New(cfg, r.bus, DeviceSet{PumpA: r.pumpA, PumpB: r.pumpB, Meter: r.meter, Board: r.board})
	r.cli = r.bus.NewConnection("test")
	r.sub = r.cli.Subscribe(TopicStateEngine)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		r.eng.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not shut down")
		}
	})
	// Run subscribes to the control topics before publishing its first
	// snapshot; seeing one means requests will no longer be dropped.
	select {
	case <-r.sub.Channel():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not start")
	}
	return r
}

func (r *testRig) request(t *testing.T, topic bus.Topic, payload any) any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := r.cli.RequestWait(ctx, r.cli.NewMessage(topic, payload, false))
	if err != nil {
		t.Fatalf("request %v: %v", topic, err)
	}
	return reply.Payload
}

func (r *testRig) requestOK(t *testing.T, topic bus.Topic, payload any) {
	t.Helper()
	if rep, ok := r.request(t, topic, payload).(types.OKReply); !ok || !rep.OK {
		t.Fatalf("request %v: not OK", topic)
	}
}

func (r *testRig) waitSnapshot(t *testing.T, why string, cond func(types.EngineSnapshot) bool) types.EngineSnapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-r.sub.Channel():
			if snap, ok := msg.Payload.(types.EngineSnapshot); ok && cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot: %s", why)
		}
	}
}

const chargeRow = "1,14,CC Chg,1500.0,Aux1;1.400:Aux2;1.400\n"

func TestEngineControlsPumpsFromCyclerFeed(t *testing.T) {
	r := newTestRig(t, chargeRow)
	r.requestOK(t, TopicRunStart, nil)

	snap := r.waitSnapshot(t, "fresh controlled tick", func(s types.EngineSnapshot) bool {
		return s.Running && s.Sample.Seq >= 2 && !s.Sample.Stale.Has(types.StaleCycler) &&
			s.Sample.PumpA.CommandedUlMin > 0
	})

	if math.Abs(snap.Control.SOC-0.5) > 1e-9 {
		t.Fatalf("soc at 1.400 V = %g, want 0.5", snap.Control.SOC)
	}
	want := flowTarget(0.5, 1.5, 1.0, r.cfg.Profile.Calibration, r.cfg.Profile.Control)
	if snap.Control.TargetUlMin != want {
		t.Fatalf("target = %d, want %d", snap.Control.TargetUlMin, want)
	}
	if snap.Sample.PumpA.CommandedUlMin != want || snap.Sample.PumpB.CommandedUlMin != want {
		t.Fatalf("pumps commanded %d/%d, want %d",
			snap.Sample.PumpA.CommandedUlMin, snap.Sample.PumpB.CommandedUlMin, want)
	}
	if !r.pumpA.Running() || !r.pumpB.Running() {
		t.Fatal("pumps should be running under auto control")
	}

	r.requestOK(t, TopicRunStop, nil)
	r.waitSnapshot(t, "stopped", func(s types.EngineSnapshot) bool { return !s.Running })
	if r.pumpA.Running() || r.pumpB.Running() {
		t.Fatal("pumps should stop with the run")
	}
}

func TestEngineRebalancesOnTriggerCycle(t *testing.T) {
	// Cycle 14 with base 4, interval 10: a trigger point.
	r := newTestRig(t, chargeRow)
	r.requestOK(t, TopicRunStart, nil)

	snap := r.waitSnapshot(t, "rebalance open", func(s types.EngineSnapshot) bool {
		return s.Valve.LastTriggered == 14
	})
	if snap.Valve.MissedTriggers != 0 {
		t.Fatalf("missed = %d", snap.Valve.MissedTriggers)
	}
	// 50 ms dose: the relay must close again without a new trigger.
	r.waitSnapshot(t, "rebalance closed", func(s types.EngineSnapshot) bool {
		return s.Valve.Phase == types.ValveIdle && s.Valve.LastTriggered == 14 && !s.Sample.RelayOpen
	})
	if r.board.RelayOpen() {
		t.Fatal("relay left open")
	}
}

func TestEngineIsolatesMeterFailure(t *testing.T) {
	r := newTestRig(t, chargeRow)
	r.requestOK(t, TopicRunStart, nil)
	r.waitSnapshot(t, "healthy tick", func(s types.EngineSnapshot) bool {
		return s.Sample.Seq >= 1 && s.Sample.Stale == 0
	})

	r.meter.SetFail(errors.New("io timeout"))
	snap := r.waitSnapshot(t, "meter stale", func(s types.EngineSnapshot) bool {
		return s.Sample.Stale.Has(types.StalePower)
	})
	// Only the meter's field group degrades; the rest of the tick is fresh.
	for _, bit := range []types.Staleness{types.StaleCycler, types.StaleTemps, types.StalePumpA, types.StalePumpB} {
		if snap.Sample.Stale.Has(bit) {
			t.Fatalf("unexpected stale bit %b in %b", bit, snap.Sample.Stale)
		}
	}

	r.meter.SetFail(nil)
	r.waitSnapshot(t, "meter recovered", func(s types.EngineSnapshot) bool {
		return !s.Sample.Stale.Has(types.StalePower)
	})
}

func TestEngineManualOverrideGatesPumpCommands(t *testing.T) {
	r := newTestRig(t, chargeRow)
	r.requestOK(t, TopicRunStart, nil)
	r.waitSnapshot(t, "running", func(s types.EngineSnapshot) bool { return s.Running })

	// Auto control active: manual pump commands are refused.
	rep, ok := r.request(t, TopicPumpCommand, types.PumpCommand{Role: types.RolePumpA, Action: "stop"}).(types.ErrorReply)
	if !ok || !strings.Contains(rep.Error, "manual_override") {
		t.Fatalf("want manual_override rejection, got %+v", rep)
	}

	r.requestOK(t, TopicSetOverride, types.SetOverride{Manual: true})
	r.waitSnapshot(t, "override applied", func(s types.EngineSnapshot) bool {
		return !s.Applied.AutoControl
	})
	r.requestOK(t, TopicPumpCommand, types.PumpCommand{Role: types.RolePumpA, Action: "set_flow", FlowUlMin: 5000})
	r.requestOK(t, TopicPumpCommand, types.PumpCommand{Role: types.RolePumpA, Action: "start"})
	if got := r.pumpA.LastCommanded(); got != 5000 {
		t.Fatalf("manual flow = %d, want 5000", got)
	}
}

func TestEnginePrimingSensorRead(t *testing.T) {
	r := newTestRig(t, chargeRow)

	rep, ok := r.request(t, TopicPrimingRead, nil).(types.PrimingReply)
	if !ok || !rep.OK {
		t.Fatalf("want priming reply, got %+v", rep)
	}
	if rep.Value == "" {
		t.Fatal("priming value empty")
	}

	r.board.Close()
	if _, ok := r.request(t, TopicPrimingRead, nil).(types.ErrorReply); !ok {
		t.Fatal("disconnected board must refuse the read")
	}
}

func TestEngineSettingsApplyAtTickBoundary(t *testing.T) {
	r := newTestRig(t, chargeRow)

	if _, ok := r.request(t, TopicSetLambda, types.SetLambda{Charge: 100, Discharge: 1}).(types.ErrorReply); !ok {
		t.Fatal("out-of-range lambda must be rejected")
	}
	r.requestOK(t, TopicSetLambda, types.SetLambda{Charge: 2.5, Discharge: 1.5})
	r.requestOK(t, TopicSetIntervals, types.SetIntervals{PollMs: 150, LogMs: 300})
	r.waitSnapshot(t, "settings applied", func(s types.EngineSnapshot) bool {
		return s.Applied.LambdaCharge == 2.5 && s.Applied.PollIntervalMs == 150
	})

	if _, ok := r.request(t, TopicSetIntervals, types.SetIntervals{PollMs: 10, LogMs: 5}).(types.ErrorReply); !ok {
		t.Fatal("bad intervals must be rejected")
	}
}

func TestEngineLogsOnLogInterval(t *testing.T) {
	r := newTestRig(t, chargeRow)
	r.requestOK(t, TopicRunStart, nil)

	r.waitSnapshot(t, "several ticks", func(s types.EngineSnapshot) bool {
		return s.Logging && s.Sample.Seq >= 4
	})

	r.requestOK(t, TopicRunStop, nil)
	r.waitSnapshot(t, "stopped", func(s types.EngineSnapshot) bool { return !s.Running })

	entries, err := os.ReadDir(r.cfg.LogDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("want one session file, got %d", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(r.cfg.LogDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) < 3 {
		t.Fatalf("want header plus rows, got %d lines", len(lines))
	}
	cols := len(strings.Split(lines[0], ","))
	for i, line := range lines[1:] {
		if len(strings.Split(line, ",")) != cols {
			t.Fatalf("row %d torn: %q", i, line)
		}
	}
}

func TestEngineMissingCyclerFeedIsStaleNotFatal(t *testing.T) {
	r := newTestRig(t, "")
	r.requestOK(t, TopicRunStart, nil)

	snap := r.waitSnapshot(t, "stale cycler tick", func(s types.EngineSnapshot) bool {
		return s.Sample.Seq >= 2 && s.Sample.Stale.Has(types.StaleCycler)
	})
	if snap.Sample.Stale.Has(types.StalePower) || snap.Sample.Stale.Has(types.StaleTemps) {
		t.Fatalf("other groups should stay fresh: %b", snap.Sample.Stale)
	}
	if !snap.Control.EstimationStale {
		t.Fatal("estimation should be flagged stale with no anchor")
	}
	if snap.Sample.PumpA.CommandedUlMin != 0 {
		t.Fatal("no flow command without an SOC estimate")
	}
}
