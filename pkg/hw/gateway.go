// Package hw is the hardware I/O gateway of the rig: a narrow capability
// interface over the ADS1115 ADC and the pump/valve/relay actuators, with a
// physical implementation (Raspberry Pi, I2C + GPIO via periph.io) and a
// simulated one. The control loop holds the interface and must not know
// which implementation it has.
package hw

// Gateway is the capability surface consumed by the control loop. All calls
// are expected to be fast and non-blocking; no locks are held across them.
//
// SetPumpDuty takes the logical duty fraction in [0, 1] where 0 is off;
// electrical polarity (active-low PWM, NC valve) is an implementation
// concern.
type Gateway interface {
	// ReadChannel returns the single-ended voltage on an ADC channel.
	ReadChannel(ch int) (float64, error)
	SetPumpDuty(u float64) error
	SetValve(open bool) error
	SetRelay(on bool) error
	Close() error
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
