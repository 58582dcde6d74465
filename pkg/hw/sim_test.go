package hw

import (
	"testing"
	"time"

	"github.com/presscal/presscal/pkg/sensor"
)

func testCoefficients() sensor.Coefficients {
	return sensor.Coefficients{
		A2:        0.27334322,
		B2:        106.390322,
		C2:        -22.167571,
		Use2Pt:    true,
		Gain2Pt:   1.0150102699300843,
		Voltage:   sensor.LinearCal{Gain: 3.235548, Offset: 0.003870},
		Current:   sensor.LinearCal{Gain: 4.945630, Offset: 4.038358},
		VADCMinOK: 0.0,
		VADCMaxOK: 3.35,
	}
}

// fakeClock steps a Sim deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time       { return c.t }
func (c *fakeClock) step(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1000, 0)} }

func newClockedSim(t *testing.T) (*Sim, *fakeClock) {
	t.Helper()
	s := NewSim(DefaultSimConfig(), testCoefficients())
	c := newFakeClock()
	s.SetClock(c.now)
	return s, c
}

func TestSim_PumpRaisesPressure(t *testing.T) {
	s, clock := newClockedSim(t)

	if err := s.SetValve(false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRelay(true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPumpDuty(1.0); err != nil {
		t.Fatal(err)
	}

	clock.step(time.Second)
	p := s.PressureKPa()
	if p <= 0 {
		t.Fatalf("pressure after 1 s of pumping = %v, want > 0", p)
	}
}

func TestSim_VentDrainsPressure(t *testing.T) {
	s, clock := newClockedSim(t)
	s.SetPressureKPa(100)

	if err := s.SetValve(true); err != nil {
		t.Fatal(err)
	}
	clock.step(5 * time.Second)

	if p := s.PressureKPa(); p >= 10 {
		t.Fatalf("pressure after 5 s venting = %v, want well below 100", p)
	}
}

func TestSim_PumpDoesNothingWithoutRelay(t *testing.T) {
	s, clock := newClockedSim(t)

	if err := s.SetValve(false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPumpDuty(1.0); err != nil {
		t.Fatal(err)
	}
	clock.step(time.Second)

	if p := s.PressureKPa(); p > 0.01 {
		t.Fatalf("pressure with relay off = %v, want ~0", p)
	}
}

func TestSim_ReferenceReadRoundTrips(t *testing.T) {
	s, _ := newClockedSim(t)
	conv := sensor.NewConverter(testCoefficients())

	for _, want := range []float64{0, 25, 100, 200} {
		s.SetPressureKPa(want)
		vadc, err := s.ReadChannel(DefaultSimConfig().RefChannel)
		if err != nil {
			t.Fatalf("ReadChannel: %v", err)
		}
		got, err := conv.Pressure(vadc)
		if err != nil {
			t.Fatalf("Pressure: %v", err)
		}
		if diff := got - want; diff > 0.5 || diff < -0.5 {
			t.Fatalf("round trip %v kPa -> %v kPa", want, got)
		}
	}
}

func TestSim_DUTReadTracksSpan(t *testing.T) {
	s, _ := newClockedSim(t)
	conv := sensor.NewConverter(testCoefficients())
	cfg := DefaultSimConfig()

	s.SetPressureKPa(100) // half of the 0-200 span -> 12 mA
	vadc, err := s.ReadChannel(cfg.CurrentChannel)
	if err != nil {
		t.Fatalf("ReadChannel: %v", err)
	}
	got, err := conv.DUT(vadc, "A1")
	if err != nil {
		t.Fatalf("DUT: %v", err)
	}
	if diff := got - 12.0; diff > 0.01 || diff < -0.01 {
		t.Fatalf("DUT at mid-span = %v mA, want 12", got)
	}
}

func TestSim_UnknownChannel(t *testing.T) {
	s, _ := newClockedSim(t)
	if _, err := s.ReadChannel(7); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
