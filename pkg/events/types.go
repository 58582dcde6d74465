package events

import "encoding/json"

// Event name constants
const (
	RunState = "run.state"
	RunPoint = "run.point"
	RunDone  = "run.done"
)

// Event is a generic SSE event from the daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// RunStateEvent is the typed payload for run.state.
type RunStateEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// RunPointEvent is published when a calibration point is finalized.
type RunPointEvent struct {
	Index        int     `json:"index"`
	SetpointKPa  float64 `json:"setpointKPa"`
	PressureMean float64 `json:"pressureMeanKPa"`
	DUTMean      float64 `json:"dutMean"`
	ErrorPct     float64 `json:"errorPct"`
	Degraded     bool    `json:"degraded,omitempty"`
	Ts           int64   `json:"ts"`
}

// RunDoneEvent is published when a session reaches a terminal state.
type RunDoneEvent struct {
	State       string `json:"state"`
	AbortReason string `json:"abortReason,omitempty"`
	Ts          int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type
// T. It ignores the event name and simply unmarshals Data into T. If Data is
// empty, it returns the zero value of T with a nil error.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
