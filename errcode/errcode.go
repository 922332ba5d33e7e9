package errcode

// Code is a stable, bus- and API-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	InvalidTopic   Code = "invalid_topic"

	NotConnected     Code = "not_connected"
	ConnectFailed    Code = "connect_failed"
	ReadTimeout      Code = "read_timeout"
	WriteTimeout     Code = "write_timeout"
	NACK             Code = "nack"
	BadFrame         Code = "bad_frame"
	UnknownDevice    Code = "unknown_device"
	InvalidCommand   Code = "invalid_command"
	OutOfRange       Code = "out_of_range"
	CalibrationStale Code = "calibration_stale"
	EngineNotRunning Code = "engine_not_running"
	ManualOverride   Code = "manual_override"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause alongside a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// Wrap builds an E with an operation tag and cause.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}
