package hw

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/presscal/presscal/pkg/sensor"
)

// SimConfig shapes the simulated rig plant and the ideal transducer wired to
// the DUT channels.
type SimConfig struct {
	// Plant dynamics.
	PumpGainKPaPerS float64 // pressure rise rate at full duty, valve closed
	VentRatePerS    float64 // first-order vent rate with the valve open
	LeakRatePerS    float64 // residual leak with everything closed

	// Ideal DUT transducer: maps [0, PMaxKPa] linearly to [SigMin, SigMax].
	DUTPMaxKPa float64
	DUTSigMin  float64
	DUTSigMax  float64

	// Channel mapping, mirroring the physical wiring.
	RefChannel     int
	VoltageChannel int
	CurrentChannel int
}

// DefaultSimConfig models the bench rig with a 0-200 kPa 4-20 mA transducer.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		PumpGainKPaPerS: 80,
		VentRatePerS:    1.5,
		LeakRatePerS:    0.002,
		DUTPMaxKPa:      200,
		DUTSigMin:       4,
		DUTSigMax:       20,
		RefChannel:      2,
		VoltageChannel:  0,
		CurrentChannel:  1,
	}
}

// Sim is an in-memory rig: a first-order pressure plant driven by the
// actuator state, read back through the inverse of the sensor conversion so
// the rest of the stack sees realistic ADC voltages.
type Sim struct {
	cfg    SimConfig
	coeffs sensor.Coefficients

	mu          sync.Mutex
	pressureKPa float64
	pumpU       float64
	relayOn     bool
	valveOpen   bool
	lastUpdate  time.Time

	now func() time.Time
}

// NewSim returns a vented rig at 0 kPa.
func NewSim(cfg SimConfig, coeffs sensor.Coefficients) *Sim {
	s := &Sim{
		cfg:    cfg,
		coeffs: coeffs,
		now:    time.Now,
	}
	s.lastUpdate = s.now()
	return s
}

// advance integrates the plant up to the current time. Caller holds mu.
func (s *Sim) advance() {
	now := s.now()
	dt := now.Sub(s.lastUpdate).Seconds()
	s.lastUpdate = now
	if dt <= 0 {
		return
	}
	// Integrate in small steps so long gaps stay stable.
	for dt > 0 {
		h := math.Min(dt, 0.02)
		dt -= h

		var dp float64
		if s.relayOn && !s.valveOpen {
			dp += s.cfg.PumpGainKPaPerS * s.pumpU
		}
		if s.valveOpen {
			dp -= s.cfg.VentRatePerS * s.pressureKPa
		} else {
			dp -= s.cfg.LeakRatePerS * s.pressureKPa
		}
		s.pressureKPa += dp * h
		if s.pressureKPa < 0 {
			s.pressureKPa = 0
		}
	}
}

// refVADC inverts the MPX quadratic (including the 2PT correction) to the
// channel voltage that would produce the current pressure.
func (s *Sim) refVADC() float64 {
	raw := s.pressureKPa
	if s.coeffs.Use2Pt && s.coeffs.Gain2Pt != 0 {
		raw = (raw - s.coeffs.Offset2Pt) / s.coeffs.Gain2Pt
	}
	a, b, c := s.coeffs.A2, s.coeffs.B2, s.coeffs.C2-raw
	if a == 0 {
		if b == 0 {
			return 0
		}
		return -c / b
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		return 0
	}
	v := (-b + math.Sqrt(disc)) / (2 * a)
	return clamp(v, s.coeffs.VADCMinOK, s.coeffs.VADCMaxOK)
}

// dutVADC models the ideal transducer output and inverts the channel
// calibration back to a voltage.
func (s *Sim) dutVADC(cal sensor.LinearCal) float64 {
	frac := 0.0
	if s.cfg.DUTPMaxKPa > 0 {
		frac = clamp(s.pressureKPa/s.cfg.DUTPMaxKPa, 0, 1.2)
	}
	sig := s.cfg.DUTSigMin + frac*(s.cfg.DUTSigMax-s.cfg.DUTSigMin)
	if cal.Gain == 0 {
		return 0
	}
	return (sig - cal.Offset) / cal.Gain
}

func (s *Sim) ReadChannel(ch int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	switch ch {
	case s.cfg.RefChannel:
		return s.refVADC(), nil
	case s.cfg.VoltageChannel:
		return s.dutVADC(s.coeffs.Voltage), nil
	case s.cfg.CurrentChannel:
		return s.dutVADC(s.coeffs.Current), nil
	}
	return 0, errors.Errorf("sim: no such ADC channel %d", ch)
}

func (s *Sim) SetPumpDuty(u float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.pumpU = clamp(u, 0, 1)
	return nil
}

func (s *Sim) SetValve(open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.valveOpen = open
	return nil
}

func (s *Sim) SetRelay(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.relayOn = on
	return nil
}

func (s *Sim) Close() error { return nil }

// PressureKPa reports the current plant pressure, for tests and the demo
// telemetry.
func (s *Sim) PressureKPa() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.pressureKPa
}

// SetPressureKPa forces the plant state, for tests.
func (s *Sim) SetPressureKPa(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.pressureKPa = p
}

// SetClock replaces the time source, for tests.
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastUpdate = now()
}
