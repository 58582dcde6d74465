// Package sensor converts raw ADC channel voltages into physical units: kPa
// for the MPX5500DP reference sensor and engineering units (V or mA) for the
// device under test. It also owns the tara (zero offset) of the reference
// reading.
package sensor

import (
	"fmt"

	"github.com/presscal/presscal/pkg/calibration"
)

// ConversionError reports an ADC sample outside the representable range, or
// a failed hardware read surfaced through conversion.
type ConversionError struct {
	Channel string
	VADC    float64
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conversion on channel %s: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("conversion on channel %s: vadc %.4f V out of range", e.Channel, e.VADC)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// LinearCal is a per-channel linear calibration: out = Gain*vadc + Offset.
type LinearCal struct {
	Gain   float64
	Offset float64
}

// Coefficients holds every conversion constant of a session. Immutable after
// the session starts.
type Coefficients struct {
	// Reference sensor quadratic: p = A2*v^2 + B2*v + C2.
	A2, B2, C2 float64

	// Optional two-point correction applied to the raw quadratic output.
	Use2Pt    bool
	Gain2Pt   float64
	Offset2Pt float64

	// DUT channel calibrations.
	Voltage LinearCal // 0-10 V input
	Current LinearCal // 4-20 mA input

	// Representable ADC voltage window. Samples outside produce a
	// ConversionError.
	VADCMinOK float64
	VADCMaxOK float64
}

// Converter applies Coefficients to raw samples. The zero offset is the only
// mutable field and is written exclusively through Zero.
type Converter struct {
	coeffs   Coefficients
	pZeroKPa float64
}

// NewConverter returns a Converter with a zero tara.
func NewConverter(coeffs Coefficients) *Converter {
	return &Converter{coeffs: coeffs}
}

// PZero returns the current tara offset in kPa.
func (c *Converter) PZero() float64 { return c.pZeroKPa }

func (c *Converter) checkRange(channel string, vadc float64) error {
	if vadc < c.coeffs.VADCMinOK || vadc > c.coeffs.VADCMaxOK {
		return &ConversionError{Channel: channel, VADC: vadc}
	}
	return nil
}

// rawPressure evaluates the quadratic plus the optional two-point
// correction, before tara.
func (c *Converter) rawPressure(vadc float64) float64 {
	p := c.coeffs.A2*vadc*vadc + c.coeffs.B2*vadc + c.coeffs.C2
	if p < 0 {
		p = 0
	}
	if c.coeffs.Use2Pt {
		p = c.coeffs.Gain2Pt*p + c.coeffs.Offset2Pt
	}
	return p
}

// Pressure converts a reference-channel sample to kPa relative to the tara
// baseline. The relative value may be slightly negative around the vented
// baseline; callers decide whether to clamp.
func (c *Converter) Pressure(vadc float64) (float64, error) {
	if err := c.checkRange("ref", vadc); err != nil {
		return 0, err
	}
	return c.rawPressure(vadc) - c.pZeroKPa, nil
}

// DUT converts a DUT-channel sample to engineering units (V or mA depending
// on the channel wiring).
func (c *Converter) DUT(vadc float64, ch calibration.DUTChannel) (float64, error) {
	if err := c.checkRange(string(ch), vadc); err != nil {
		return 0, err
	}
	var cal LinearCal
	switch ch {
	case calibration.DUTChannelVoltage:
		cal = c.coeffs.Voltage
	case calibration.DUTChannelCurrent:
		cal = c.coeffs.Current
	default:
		return 0, &ConversionError{Channel: string(ch), Err: fmt.Errorf("unknown DUT channel %q", ch)}
	}
	return cal.Gain*vadc + cal.Offset, nil
}

// Zero captures the current raw pressure reading as the new tara baseline.
// Subsequent Pressure calls are relative to it.
func (c *Converter) Zero(vadc float64) error {
	if err := c.checkRange("ref", vadc); err != nil {
		return err
	}
	c.pZeroKPa = c.rawPressure(vadc)
	return nil
}

// SetPZero restores a previously captured tara, e.g. when resuming a
// session.
func (c *Converter) SetPZero(pZeroKPa float64) { c.pZeroKPa = pZeroKPa }
