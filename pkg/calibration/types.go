package calibration

import "time"

// State defines the states of the automatic calibration state machine.
type State string

const (
	StateIdle           State = "IDLE"
	StateZeroVent       State = "ZERO_VENT"
	StateZeroHold       State = "ZERO_HOLD"
	StateGotoSetpoint   State = "GOTO_SETPOINT"
	StateInBandWaitUp   State = "IN_BAND_WAIT_UP"
	StateInBandWaitDown State = "IN_BAND_WAIT_DOWN"
	StateDownCloseDelay State = "DOWN_CLOSE_DELAY"
	StateHoldMeasure    State = "HOLD_MEASURE"
	StateFinished       State = "FINISHED"
	StateAborted        State = "ABORTED"
)

// Terminal reports whether the state machine has stopped in this state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// Running reports whether a calibration run is in progress.
func (s State) Running() bool {
	return s != StateIdle && !s.Terminal()
}

// Direction is the ordering of the generated setpoint sequence.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionBoth Direction = "BOTH"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown || d == DirectionBoth
}

// DUTChannel selects which analog input the device under test is wired to.
type DUTChannel string

const (
	// DUTChannelVoltage is the 0-10 V input (ADS1115 A0).
	DUTChannelVoltage DUTChannel = "A0"
	// DUTChannelCurrent is the 4-20 mA input (ADS1115 A1).
	DUTChannelCurrent DUTChannel = "A1"
)

// Valid reports whether c is one of the known DUT channels.
func (c DUTChannel) Valid() bool {
	return c == DUTChannelVoltage || c == DUTChannelCurrent
}

// Point is one finalized calibration point. It is immutable once the
// measurement burst for the point completes.
type Point struct {
	Index        int     `json:"index"`
	SetpointKPa  float64 `json:"setpointKPa"`
	PressureMean float64 `json:"pressureMeanKPa"`
	PressureStd  float64 `json:"pressureStdKPa"`
	DUTMean      float64 `json:"dutMean"`
	DUTStd       float64 `json:"dutStd"`
	SpanPct      float64 `json:"spanPct"`
	ErrorPct     float64 `json:"errorPct"`
	LastU        float64 `json:"lastU"`
	// Degraded marks a point measured after the settle window expired
	// without the reading holding inside the deadband.
	Degraded bool `json:"degraded,omitempty"`
}

// Fit is the ordinary least-squares line fitted over the point table.
type Fit struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
	R2        float64 `json:"r2"`
}

// Result is the outcome of a finished (or aborted) calibration session.
type Result struct {
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  time.Time  `json:"finishedAt"`
	State       State      `json:"state"` // FINISHED or ABORTED
	AbortReason string     `json:"abortReason,omitempty"`
	Direction   Direction  `json:"direction"`
	DUTChannel  DUTChannel `json:"dutChannel"`
	PMinKPa     float64    `json:"pMinKPa"`
	PMaxKPa     float64    `json:"pMaxKPa"`
	SigMin      float64    `json:"sigMin"`
	SigMax      float64    `json:"sigMax"`
	PZeroKPa    float64    `json:"pZeroKPa"`
	Points      []Point    `json:"points"`
	Fit         *Fit       `json:"fit,omitempty"`
}

// Status is a synthesized view model exposed via HTTP and the websocket
// telemetry stream. It derives from the runner state plus live readings.
type Status struct {
	State        State     `json:"state"`
	PressureKPa  float64   `json:"pressureKPa"`
	SetpointKPa  float64   `json:"setpointKPa"`
	PumpU        float64   `json:"pumpU"`
	ValveOpen    bool      `json:"valveOpen"`
	PointIndex   int       `json:"pointIndex"`
	PointCount   int       `json:"pointCount"`
	PZeroKPa     float64   `json:"pZeroKPa"`
	TareDone     bool      `json:"tareDone"`
	ManualActive bool      `json:"manualActive"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}
