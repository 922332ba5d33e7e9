// cellcontrold is the flow-cell control daemon: it owns the serial devices,
// runs the control engine, and serves the HTTP API.
//
// Configuration comes from the environment (CELL_HTTP_ADDR, CELL_PROFILE,
// CELL_LOG_DIR, CELL_SIM; .env supported) plus the experiment profile YAML.
// Flags override the environment for quick runs:
//
//	cellcontrold -profile bench.yaml -addr :8410 -sim
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cellcontrol-go/bus"
	"cellcontrol-go/config"
	"cellcontrol-go/devices"
	"cellcontrol-go/services/engine"
	"cellcontrol-go/types"
	"cellcontrol-go/web"
)

func main() {
	simFlag := flag.Bool("sim", false, "run against simulated devices")
	profileFlag := flag.String("profile", "", "experiment profile YAML path")
	addrFlag := flag.String("addr", "", "HTTP listen address")
	flag.Parse()

	if *profileFlag != "" {
		os.Setenv("CELL_PROFILE", *profileFlag)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("cellcontrold: %v", err)
	}
	if *addrFlag != "" {
		cfg.HTTPAddr = *addrFlag
	}
	if *simFlag {
		cfg.SimMode = true
	}

	ds := buildDevices(cfg)
	connectAll(cfg, ds)

	b := bus.NewBus(32)
	eng := engine.New(cfg, b, ds)
	srv := web.New(cfg.HTTPAddr, b, eng.MetricsRegistry())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engDone)
	}()

	log.Printf("cellcontrold: listening on %s (sim=%v, profile=%s)",
		cfg.HTTPAddr, cfg.SimMode, cfg.ProfilePath)
	if err := srv.Run(ctx); err != nil {
		log.Printf("cellcontrold: http: %v", err)
	}
	stop()
	<-engDone
	log.Print("cellcontrold: bye")
}

func buildDevices(cfg config.Config) engine.DeviceSet {
	d := cfg.Profile.Devices
	if cfg.SimMode {
		return engine.DeviceSet{
			PumpA: devices.NewSimPump(types.RolePumpA, d.PumpA.Model),
			PumpB: devices.NewSimPump(types.RolePumpB, d.PumpB.Model),
			Meter: devices.NewSimPowerMeter(),
			Board: devices.NewSimBoard(),
		}
	}
	tmo := cfg.Profile.Timeouts
	return engine.DeviceSet{
		PumpA: devices.NewPump(types.RolePumpA, d.PumpA, tmo),
		PumpB: devices.NewPump(types.RolePumpB, d.PumpB, tmo),
		Meter: devices.NewPowerMeter(d.PowerMeter, tmo),
		Board: devices.NewBoard(d.Board, tmo),
	}
}

// connectAll makes a best-effort first connection pass. A slot that fails
// stays disconnected until the operator reconnects it over the API.
func connectAll(cfg config.Config, ds engine.DeviceSet) {
	d := cfg.Profile.Devices
	ports := map[types.Role]string{
		types.RolePumpA:      d.PumpA.Port,
		types.RolePumpB:      d.PumpB.Port,
		types.RolePowerMeter: d.PowerMeter.Port,
		types.RoleBoard:      d.Board.Port,
	}
	for _, dev := range []devices.Device{ds.PumpA, ds.PumpB, ds.Meter, ds.Board} {
		if !cfg.SimMode && ports[dev.Role()] == "" {
			log.Printf("cellcontrold: %s: no port configured, skipping", dev.Role())
			continue
		}
		if err := dev.Connect(); err != nil {
			log.Printf("cellcontrold: %s: %v", dev.Role(), err)
			continue
		}
		log.Printf("cellcontrold: %s connected", dev.Role())
	}
}
