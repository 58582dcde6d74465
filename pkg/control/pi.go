// Package control implements the PI pressure controller used by both the
// automatic calibration run and the manual hold mode.
package control

// PIConfig holds the tuning of a PI controller. Output u is a pump duty
// fraction clamped to [UMin, UMax].
type PIConfig struct {
	Kp float64
	Ki float64
	// Dt is the nominal integration period in seconds, used when a step is
	// invoked with a non-positive dt.
	Dt   float64
	UMin float64
	UMax float64
	// UFf is the feedforward duty added to the PI terms.
	UFf float64
	// DeadbandKPa is the error window treated as "at target". Inside it no
	// new integration happens and the integrator decays.
	DeadbandKPa float64
	// IDecayInDeadband multiplies the integrator each step spent inside the
	// deadband. 1 keeps it, values below 1 bleed off sensor-noise drift.
	IDecayInDeadband float64
	// PFiltAlpha is the coefficient of the optional first-order filter on
	// the measured pressure. 1 disables filtering.
	PFiltAlpha float64
}

// PI is a proportional-integral controller with feedforward, deadband-gated
// integration and conditional anti-windup. The integrator is only ever
// mutated by Step and Reset.
type PI struct {
	cfg PIConfig

	i      float64
	frozen bool
	lastU  float64

	pFilt    float64
	pFiltSet bool
}

// NewPI returns a controller in its reset state.
func NewPI(cfg PIConfig) *PI {
	pi := &PI{cfg: cfg}
	pi.Reset()
	return pi
}

// Reset clears the integrator, the filter state and the frozen flag.
func (c *PI) Reset() {
	c.i = 0
	c.frozen = false
	c.lastU = clamp(c.cfg.UFf, c.cfg.UMin, c.cfg.UMax)
	c.pFilt = 0
	c.pFiltSet = false
}

// Freeze stops the controller: Step returns the last output unchanged and
// performs no integration until Unfreeze.
func (c *PI) Freeze() { c.frozen = true }

// Unfreeze resumes stepping.
func (c *PI) Unfreeze() { c.frozen = false }

// Frozen reports whether the controller is frozen.
func (c *PI) Frozen() bool { return c.frozen }

// Integrator returns the current integrator accumulator.
func (c *PI) Integrator() float64 { return c.i }

// LastU returns the most recently computed output.
func (c *PI) LastU() float64 { return c.lastU }

// Step advances the controller by dt seconds and returns the pump duty in
// [UMin, UMax]. A non-positive dt falls back to the configured nominal Dt.
func (c *PI) Step(setpoint, measured, dt float64) float64 {
	if c.frozen {
		return c.lastU
	}
	if dt <= 0 {
		dt = c.cfg.Dt
	}

	p := measured
	if a := c.cfg.PFiltAlpha; a < 1 {
		if !c.pFiltSet {
			c.pFilt = p
			c.pFiltSet = true
		} else {
			c.pFilt = a*p + (1-a)*c.pFilt
		}
		p = c.pFilt
	}

	e := setpoint - p

	if abs(e) <= c.cfg.DeadbandKPa {
		c.i *= c.cfg.IDecayInDeadband
		u := clamp(c.cfg.UFf+c.i, c.cfg.UMin, c.cfg.UMax)
		c.lastU = u
		return u
	}

	// Conditional integration: halt integrator growth exactly when the
	// unsaturated output is already past a limit and the error would push
	// it further past.
	uUnsat := c.cfg.UFf + c.cfg.Kp*e + c.i
	pushingHigh := uUnsat > c.cfg.UMax && e > 0
	pushingLow := uUnsat < c.cfg.UMin && e < 0
	if !pushingHigh && !pushingLow {
		c.i += c.cfg.Ki * e * dt
	}

	u := clamp(c.cfg.UFf+c.cfg.Kp*e+c.i, c.cfg.UMin, c.cfg.UMax)
	c.lastU = u
	return u
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
