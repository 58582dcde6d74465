package config

import (
	"time"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/control"
	"github.com/presscal/presscal/pkg/sensor"
)

// Run is the immutable per-session configuration. It is constructed and
// validated once at session start and passed by value into the control loop;
// nothing mutates it afterwards.
type Run struct {
	Controller   control.PIConfig
	Coefficients sensor.Coefficients

	// ADS1115 channel mapping.
	RefChannel     int
	VoltageChannel int
	CurrentChannel int

	DUTChannel calibration.DUTChannel
	Direction  calibration.Direction
	PointCount int

	// Calibration range of the DUT.
	PMinKPa float64
	PMaxKPa float64
	SigMin  float64
	SigMax  float64

	// Sequence timing.
	VentSettleS      float64
	SettleTimeS      float64
	SettleTimeMaxS   float64
	InbandUpS        float64
	InbandDownS      float64
	ValveCloseDelayS float64

	// Safety limits, checked every tick.
	PMaxSafetyKPa float64
	PMinSafetyKPa float64

	// Measurement burst.
	NSamplesMeasure  int
	SampleDtMeasureS float64

	TickPeriod time.Duration
	DataDir    string
}

// Validate rejects invalid coefficients or limits before any actuator
// command is issued.
func (r Run) Validate() error {
	c := r.Controller
	if c.Dt <= 0 {
		return invalid("dtPi", "must be > 0, got %v", c.Dt)
	}
	if c.UMin < 0 || c.UMin > 1 || c.UMax < 0 || c.UMax > 1 {
		return invalid("uMin/uMax", "must be within [0, 1], got %v/%v", c.UMin, c.UMax)
	}
	if c.UMin >= c.UMax {
		return invalid("uMin", "must be < uMax, got %v >= %v", c.UMin, c.UMax)
	}
	if c.UFf < 0 || c.UFf > 1 {
		return invalid("uFf", "must be within [0, 1], got %v", c.UFf)
	}
	if c.DeadbandKPa <= 0 {
		return invalid("deadbandKPa", "must be > 0, got %v", c.DeadbandKPa)
	}
	if c.IDecayInDeadband < 0 || c.IDecayInDeadband > 1 {
		return invalid("iDecayInDeadband", "must be within [0, 1], got %v", c.IDecayInDeadband)
	}
	if c.PFiltAlpha <= 0 || c.PFiltAlpha > 1 {
		return invalid("pFiltAlpha", "must be within (0, 1], got %v", c.PFiltAlpha)
	}

	if !r.DUTChannel.Valid() {
		return invalid("dutChannel", "must be A0 or A1, got %q", r.DUTChannel)
	}
	if !r.Direction.Valid() {
		return invalid("direction", "must be UP, DOWN or BOTH, got %q", r.Direction)
	}
	if r.PointCount < 2 {
		return invalid("pointCount", "must be >= 2, got %d", r.PointCount)
	}
	if r.PMaxKPa <= r.PMinKPa {
		return invalid("pMaxKPa", "must be > pMinKPa, got %v <= %v", r.PMaxKPa, r.PMinKPa)
	}
	if r.SigMax <= r.SigMin {
		return invalid("sigMax", "must be > sigMin, got %v <= %v", r.SigMax, r.SigMin)
	}

	if r.VentSettleS < 0 || r.SettleTimeS < 0 || r.InbandUpS < 0 || r.InbandDownS < 0 || r.ValveCloseDelayS < 0 {
		return invalid("timing", "settle and in-band times must be >= 0")
	}
	if r.SettleTimeMaxS < r.SettleTimeS {
		return invalid("settleTimeMaxS", "must be >= settleTimeS, got %v < %v", r.SettleTimeMaxS, r.SettleTimeS)
	}

	if r.PMaxSafetyKPa <= 0 {
		return invalid("pMaxSafetyKPa", "must be > 0, got %v", r.PMaxSafetyKPa)
	}
	if r.PMaxKPa > r.PMaxSafetyKPa {
		return invalid("pMaxKPa", "calibration maximum %v exceeds safety cutoff %v", r.PMaxKPa, r.PMaxSafetyKPa)
	}
	if r.PMinSafetyKPa >= 0 {
		return invalid("pMinSafetyKPa", "must be < 0, got %v", r.PMinSafetyKPa)
	}

	if r.NSamplesMeasure < 1 {
		return invalid("nSamplesMeasure", "must be >= 1, got %d", r.NSamplesMeasure)
	}
	if r.SampleDtMeasureS < 0 {
		return invalid("sampleDtMeasureS", "must be >= 0, got %v", r.SampleDtMeasureS)
	}
	if r.TickPeriod <= 0 {
		return invalid("loopIntervalMs", "must be > 0, got %v", r.TickPeriod)
	}

	co := r.Coefficients
	if co.VADCMaxOK <= co.VADCMinOK {
		return invalid("vadcMaxOk", "must be > vadcMinOk, got %v <= %v", co.VADCMaxOK, co.VADCMinOK)
	}

	return nil
}

// Points generates the setpoint sequence: PointCount evenly spaced fractions
// of PMaxKPa, ordered by Direction. BOTH appends the descending sequence
// with the duplicated maximum removed. The sequence is a deterministic
// function of the three inputs.
func (r Run) Points() []float64 {
	n := r.PointCount
	base := make([]float64, n)
	for i := 0; i < n; i++ {
		base[i] = r.PMaxKPa * float64(i) / float64(n-1)
	}

	switch r.Direction {
	case calibration.DirectionDown:
		reverse(base)
		return base
	case calibration.DirectionBoth:
		pts := make([]float64, 0, 2*n-1)
		pts = append(pts, base...)
		for i := n - 2; i >= 0; i-- {
			pts = append(pts, base[i])
		}
		return pts
	default:
		return base
	}
}

func reverse(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
