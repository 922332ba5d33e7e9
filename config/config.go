// Package config loads process settings from the environment (.env
// supported) and the experiment profile from a YAML file. The profile holds
// everything that is tuned per experiment: serial ports, Nernst calibration,
// λ gains, flow bounds, intervals, and the valve rebalance plan.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cellcontrol-go/types"
)

const (
	defaultHTTPAddr     = ":8410"
	defaultProfilePath  = "profile.yaml"
	defaultLogDir       = "log"
	defaultReadTimeout  = 500 * time.Millisecond
	defaultWriteTimeout = 500 * time.Millisecond
)

// Config is the top-level runtime configuration.
type Config struct {
	HTTPAddr    string
	ProfilePath string
	LogDir      string
	SimMode     bool

	Profile Profile
}

// Profile is the experiment profile (YAML).
type Profile struct {
	Devices     Devices     `yaml:"devices"`
	Cycler      Cycler      `yaml:"cycler"`
	Calibration Calibration `yaml:"calibration"`
	Control     Control     `yaml:"control"`
	Valve       Valve       `yaml:"valve"`
	Timeouts    Timeouts    `yaml:"timeouts"`
}

type PumpConfig struct {
	Port    string `yaml:"port"`
	Address string `yaml:"address"` // two ASCII digits, e.g. "00"
	Model   string `yaml:"model"`   // "SIMDOS02" | "SIMDOS10"
	Baud    int    `yaml:"baud"`
}

type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type Devices struct {
	PumpA      PumpConfig   `yaml:"pump_a"`
	PumpB      PumpConfig   `yaml:"pump_b"`
	PowerMeter SerialConfig `yaml:"power_meter"`
	Board      SerialConfig `yaml:"board"`
}

// Cycler locates the battery cycler's CSV export directory.
type Cycler struct {
	Dir     string `yaml:"dir"`
	Channel string `yaml:"channel"` // channel index used in the file prefix
}

// Calibration carries the Nernst-equation and coulomb-counting parameters.
type Calibration struct {
	StandardPotentialV float64 `yaml:"standard_potential_v"`
	FaradayConstant    float64 `yaml:"faraday_constant"`
	GasConstant        float64 `yaml:"gas_constant"`
	NCell              int     `yaml:"n_cell"`
	ConcentrationMolL  float64 `yaml:"concentration_mol_l"`
	CellCapacityAh     float64 `yaml:"cell_capacity_ah"`
	TempFallbackC      float64 `yaml:"temp_fallback_c"`
	TempSensors        []int   `yaml:"temp_sensors"` // board channels averaged for T
}

type Control struct {
	LambdaCharge    float64 `yaml:"lambda_charge"`
	LambdaDischarge float64 `yaml:"lambda_discharge"`
	LambdaMin       float64 `yaml:"lambda_min"`
	LambdaMax       float64 `yaml:"lambda_max"`
	MinFlowUlMin    int     `yaml:"min_flow_ul_min"`
	MaxFlowUlMin    int     `yaml:"max_flow_ul_min"`
	PollIntervalMs  int     `yaml:"poll_interval_ms"`
	LogIntervalMs   int     `yaml:"log_interval_ms"`
}

type Valve struct {
	BaseCycle      int     `yaml:"base_cycle"`
	IntervalCycles int     `yaml:"interval_cycles"`
	DurationS      float64 `yaml:"duration_s"`
}

type Timeouts struct {
	ReadMs    int `yaml:"read_ms"`
	WriteMs   int `yaml:"write_ms"`
	ConnectMs int `yaml:"connect_ms"`
}

func (t Timeouts) Read() time.Duration {
	if t.ReadMs <= 0 {
		return defaultReadTimeout
	}
	return time.Duration(t.ReadMs) * time.Millisecond
}

func (t Timeouts) Write() time.Duration {
	if t.WriteMs <= 0 {
		return defaultWriteTimeout
	}
	return time.Duration(t.WriteMs) * time.Millisecond
}

func (t Timeouts) Connect() time.Duration {
	if t.ConnectMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.ConnectMs) * time.Millisecond
}

// Load reads environment variables (optionally from .env) and the profile
// file they point at.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		HTTPAddr:    defaultHTTPAddr,
		ProfilePath: defaultProfilePath,
		LogDir:      defaultLogDir,
	}

	if v := strings.TrimSpace(os.Getenv("CELL_HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CELL_PROFILE")); v != "" {
		cfg.ProfilePath = v
	}
	if v := strings.TrimSpace(os.Getenv("CELL_LOG_DIR")); v != "" {
		cfg.LogDir = v
	}
	sim := strings.TrimSpace(os.Getenv("CELL_SIM"))
	cfg.SimMode = sim == "1" || strings.EqualFold(sim, "true")

	profile, err := LoadProfile(cfg.ProfilePath)
	if err != nil {
		return cfg, err
	}
	cfg.Profile = profile
	return cfg, nil
}

// LoadProfile parses and validates one profile file.
func LoadProfile(path string) (Profile, error) {
	var p Profile
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse profile: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return p, fmt.Errorf("profile: %w", err)
	}
	return p, nil
}

func (p *Profile) applyDefaults() {
	if p.Devices.PumpA.Address == "" {
		p.Devices.PumpA.Address = "00"
	}
	if p.Devices.PumpB.Address == "" {
		p.Devices.PumpB.Address = "00"
	}
	if p.Devices.PumpA.Model == "" {
		p.Devices.PumpA.Model = "SIMDOS10"
	}
	if p.Devices.PumpB.Model == "" {
		p.Devices.PumpB.Model = "SIMDOS10"
	}
	if p.Devices.PumpA.Baud == 0 {
		p.Devices.PumpA.Baud = 9600
	}
	if p.Devices.PumpB.Baud == 0 {
		p.Devices.PumpB.Baud = 9600
	}
	if p.Devices.PowerMeter.Baud == 0 {
		p.Devices.PowerMeter.Baud = 115200
	}
	if p.Devices.Board.Baud == 0 {
		p.Devices.Board.Baud = 9600
	}

	if p.Calibration.StandardPotentialV == 0 {
		p.Calibration.StandardPotentialV = 1.4
	}
	if p.Calibration.FaradayConstant == 0 {
		p.Calibration.FaradayConstant = 96485.3
	}
	if p.Calibration.GasConstant == 0 {
		p.Calibration.GasConstant = 8.314472
	}
	if p.Calibration.NCell == 0 {
		p.Calibration.NCell = 1
	}
	if p.Calibration.ConcentrationMolL == 0 {
		p.Calibration.ConcentrationMolL = 1.7
	}
	if p.Calibration.TempFallbackC == 0 {
		p.Calibration.TempFallbackC = 25.0
	}
	if len(p.Calibration.TempSensors) == 0 {
		p.Calibration.TempSensors = []int{0, 1}
	}

	if p.Control.LambdaCharge == 0 {
		p.Control.LambdaCharge = 1.0
	}
	if p.Control.LambdaDischarge == 0 {
		p.Control.LambdaDischarge = 1.0
	}
	if p.Control.LambdaMax == 0 {
		p.Control.LambdaMax = 20.0
	}
	if p.Control.MinFlowUlMin == 0 {
		p.Control.MinFlowUlMin = 1000
	}
	if p.Control.MaxFlowUlMin == 0 {
		p.Control.MaxFlowUlMin = 100000
	}
	if p.Control.PollIntervalMs == 0 {
		p.Control.PollIntervalMs = 2000
	}
	if p.Control.LogIntervalMs == 0 {
		p.Control.LogIntervalMs = 10000
	}

	if p.Valve.IntervalCycles == 0 {
		p.Valve.IntervalCycles = 10
	}
	if p.Valve.DurationS == 0 {
		p.Valve.DurationS = 30
	}
}

func (p *Profile) validate() error {
	if p.Control.MinFlowUlMin < 0 || p.Control.MaxFlowUlMin <= p.Control.MinFlowUlMin {
		return errors.New("control flow bounds: need 0 <= min < max")
	}
	if p.Control.LambdaMin < 0 || p.Control.LambdaMax <= p.Control.LambdaMin {
		return errors.New("lambda bounds: need 0 <= min < max")
	}
	for _, l := range []float64{p.Control.LambdaCharge, p.Control.LambdaDischarge} {
		if l < p.Control.LambdaMin || l > p.Control.LambdaMax {
			return fmt.Errorf("lambda %g outside [%g, %g]", l, p.Control.LambdaMin, p.Control.LambdaMax)
		}
	}
	if p.Control.PollIntervalMs < 100 {
		return errors.New("poll_interval_ms must be >= 100")
	}
	if p.Control.LogIntervalMs < p.Control.PollIntervalMs {
		return errors.New("log_interval_ms must be >= poll_interval_ms")
	}
	if p.Valve.IntervalCycles <= 0 {
		return errors.New("valve interval_cycles must be positive")
	}
	if p.Valve.DurationS <= 0 {
		return errors.New("valve duration_s must be positive")
	}
	for _, ch := range p.Calibration.TempSensors {
		if ch < 0 || ch >= types.NumTempChannels {
			return fmt.Errorf("temp sensor channel %d outside 0..%d", ch, types.NumTempChannels-1)
		}
	}
	if p.Calibration.NCell <= 0 {
		return errors.New("n_cell must be positive")
	}
	if p.Calibration.ConcentrationMolL <= 0 {
		return errors.New("concentration_mol_l must be positive")
	}
	return nil
}

// Settings derives the engine's initial mutable settings from the profile.
func (p *Profile) Settings() types.Settings {
	return types.Settings{
		PollIntervalMs:  p.Control.PollIntervalMs,
		LogIntervalMs:   p.Control.LogIntervalMs,
		LambdaCharge:    p.Control.LambdaCharge,
		LambdaDischarge: p.Control.LambdaDischarge,
		AutoControl:     true,
	}
}
