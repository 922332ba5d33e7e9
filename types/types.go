// Package types holds the payload structs shared between the engine, the
// device adaptors, and the bus/API boundary.
package types

// ---- Device identity & status ----

// Role names one of the fixed device slots of the rig.
type Role string

const (
	RolePumpA      Role = "pump_a"
	RolePumpB      Role = "pump_b"
	RolePowerMeter Role = "power_meter"
	RoleBoard      Role = "controller_board"
)

// Roles lists every slot in a stable order.
var Roles = []Role{RolePumpA, RolePumpB, RolePowerMeter, RoleBoard}

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// DeviceStatus is the externally visible state of one device slot.
type DeviceStatus struct {
	Role       Role   `json:"role"`
	Status     Status `json:"status"`
	Port       string `json:"port"`
	LastReadMs int64  `json:"last_read_ms"` // wall clock of last successful read
	Error      string `json:"error,omitempty"`
}

// ---- Telemetry ----

// NumTempChannels is the controller board's thermistor count (A0..A4).
const NumTempChannels = 5

// Staleness is a per-field-group bitmap carried inside a sample. A set bit
// means the group holds the last good value rather than a fresh reading.
type Staleness uint16

const (
	StaleCycler Staleness = 1 << iota // cycle number, step type, current, OCV
	StalePower                        // voltage, power, accumulated energy
	StaleTemps                        // all five thermistor channels
	StaleRelay                        // relay state echo
	StalePumpA                        // pump A flow/mode readback
	StalePumpB                        // pump B flow/mode readback
)

func (s Staleness) Has(bit Staleness) bool { return s&bit != 0 }

// PumpReading is one pump's readback for a tick.
type PumpReading struct {
	CommandedUlMin int  `json:"commanded_ul_min"` // last flow rate written
	ActualUlMin    int  `json:"actual_ul_min"`    // flow rate read back (?RV)
	Mode           int  `json:"mode"`             // pump run mode (?MS)
	Running        bool `json:"running"`
}

// TelemetrySample is the immutable per-tick snapshot the poller assembles.
// Downstream components read it and never write it.
type TelemetrySample struct {
	Seq  uint64 `json:"seq"`
	TSms int64  `json:"ts_ms"` // wall clock at assembly

	// Cycler channel (charge/discharge schedule running on the cell).
	CycleNumber int     `json:"cycle_number"`
	StepType    string  `json:"step_type"`
	Current     float64 `json:"current_a"` // signed: >= 0 while charging
	OCV         float64 `json:"ocv_v"`     // averaged auxiliary voltage

	// Power meter channel. MeterCurrent is the meter's own Irms, logged
	// beside the cycler's signed current.
	Voltage      float64 `json:"voltage_v"`
	MeterCurrent float64 `json:"meter_current_a"`
	Power        float64 `json:"power_w"`
	EnergyWh     float64 `json:"energy_wh"`

	// Controller board channel.
	Temps     [NumTempChannels]float64 `json:"temps_c"`
	TempRead  [NumTempChannels]bool    `json:"temps_read"`
	RelayOpen bool                     `json:"relay_open"`

	PumpA PumpReading `json:"pump_a"`
	PumpB PumpReading `json:"pump_b"`

	Stale Staleness `json:"stale"`
}

// ---- Control ----

// ControlState is the SOC/flow controller's output for one tick.
type ControlState struct {
	SOC             float64 `json:"soc"` // clamped to [0,1]
	EstimationStale bool    `json:"estimation_stale"`
	Charging        bool    `json:"charging"`
	ActiveLambda    float64 `json:"active_lambda"`
	AvgTempC        float64 `json:"avg_temp_c"`
	TargetUlMin     int     `json:"target_ul_min"`
}

// ---- Valve automation ----

type ValvePhase string

const (
	ValveIdle        ValvePhase = "idle"
	ValveRebalancing ValvePhase = "rebalancing"
)

// ValveState is the rebalance state machine's externally visible state.
type ValveState struct {
	Phase          ValvePhase `json:"phase"`
	LastTriggered  int        `json:"last_triggered_cycle"` // -1 before first trigger
	RemainingMs    int64      `json:"remaining_ms"`         // while rebalancing
	MissedTriggers int        `json:"missed_triggers"`
}

// ---- Engine settings & snapshot ----

// Settings is the mutable, process-wide control configuration. Mutations go
// through the bus and are applied at tick boundaries only.
type Settings struct {
	PollIntervalMs  int     `json:"poll_interval_ms"`
	LogIntervalMs   int     `json:"log_interval_ms"`
	LambdaCharge    float64 `json:"lambda_charge"`
	LambdaDischarge float64 `json:"lambda_discharge"`
	AutoControl     bool    `json:"auto_control"` // false = manual override: poll but never command pumps
}

// EngineSnapshot is the retained state document published after every tick.
type EngineSnapshot struct {
	RunID   string                 `json:"run_id"`
	Running bool                   `json:"running"`
	Paused  bool                   `json:"paused"`
	Logging bool                   `json:"logging"`
	Sample  TelemetrySample       `json:"sample"`
	Control ControlState          `json:"control"`
	Valve   ValveState            `json:"valve"`
	Devices map[Role]DeviceStatus `json:"devices"`
	Applied Settings              `json:"settings"`
}

// ---- Bus command payloads ----

type SetLambda struct {
	Charge    float64 `json:"charge"`
	Discharge float64 `json:"discharge"`
}

type SetIntervals struct {
	PollMs int `json:"poll_ms"`
	LogMs  int `json:"log_ms"`
}

type SetOverride struct {
	Manual bool `json:"manual"`
}

// PumpCommand is a manual pump action, valid only in manual override.
type PumpCommand struct {
	Role       Role   `json:"role"`
	Action     string `json:"action"` // "start" | "stop" | "prime" | "set_flow"
	FlowUlMin  int    `json:"flow_ul_min,omitempty"`
	Strokes    int    `json:"strokes,omitempty"`
}

// RelayCommand toggles the rebalance relay by hand.
type RelayCommand struct {
	Open bool `json:"open"`
}

// DeviceCommand connects or disconnects one device slot.
type DeviceCommand struct {
	Role   Role   `json:"role"`
	Action string `json:"action"` // "connect" | "disconnect"
	Port   string `json:"port,omitempty"`
}

// PrimingReply answers a priming sensor read with the board's raw line.
type PrimingReply struct {
	OK    bool   `json:"ok"`
	Value string `json:"value"`
}

// ---- Generic replies ----

type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
