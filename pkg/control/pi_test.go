package control

import (
	"math"
	"testing"
)

func testConfig() PIConfig {
	return PIConfig{
		Kp:               0.010,
		Ki:               0.00071,
		Dt:               0.05,
		UMin:             0.0,
		UMax:             1.0,
		UFf:              0.38,
		DeadbandKPa:      1.0,
		IDecayInDeadband: 0.97,
		PFiltAlpha:       1.0,
	}
}

func TestPI_IntegrationOutsideDeadband(t *testing.T) {
	// All errors here keep the unsaturated output inside [UMin, UMax],
	// otherwise anti-windup would hold the integrator instead.
	tests := []struct {
		name     string
		setpoint float64
		measured float64
		dt       float64
	}{
		{name: "positive error", setpoint: 100, measured: 50, dt: 0.05},
		{name: "negative error", setpoint: 50, measured: 60, dt: 0.05},
		{name: "small positive error", setpoint: 10, measured: 8, dt: 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			pi := NewPI(cfg)
			iBefore := pi.Integrator()

			e := tt.setpoint - tt.measured
			pi.Step(tt.setpoint, tt.measured, tt.dt)

			want := iBefore + cfg.Ki*e*tt.dt
			if got := pi.Integrator(); math.Abs(got-want) > 1e-12 {
				t.Fatalf("integrator = %v, want %v", got, want)
			}
		})
	}
}

func TestPI_DeadbandDecay(t *testing.T) {
	cfg := testConfig()
	pi := NewPI(cfg)

	// Build up some integrator first.
	for i := 0; i < 20; i++ {
		pi.Step(100, 50, cfg.Dt)
	}
	iBefore := pi.Integrator()
	if iBefore == 0 {
		t.Fatal("expected nonzero integrator after ramp steps")
	}

	// Error inside the deadband: no integration, decay only.
	u := pi.Step(100, 100-cfg.DeadbandKPa/2, cfg.Dt)

	wantI := iBefore * cfg.IDecayInDeadband
	if got := pi.Integrator(); math.Abs(got-wantI) > 1e-12 {
		t.Fatalf("integrator = %v, want %v", got, wantI)
	}
	wantU := cfg.UFf + wantI
	if wantU > cfg.UMax {
		wantU = cfg.UMax
	}
	if wantU < cfg.UMin {
		wantU = cfg.UMin
	}
	if math.Abs(u-wantU) > 1e-12 {
		t.Fatalf("u = %v, want %v", u, wantU)
	}
}

func TestPI_AntiWindup(t *testing.T) {
	t.Run("pushing high", func(t *testing.T) {
		cfg := testConfig()
		cfg.Kp = 1.0 // giant P term saturates immediately
		pi := NewPI(cfg)

		pi.Step(1000, 0, cfg.Dt)
		iAfterFirst := pi.Integrator()
		pi.Step(1000, 0, cfg.Dt)
		if got := pi.Integrator(); got != iAfterFirst {
			t.Fatalf("integrator grew to %v while saturated high", got)
		}
	})

	t.Run("pushing low", func(t *testing.T) {
		cfg := testConfig()
		cfg.Kp = 1.0
		pi := NewPI(cfg)

		pi.Step(0, 1000, cfg.Dt)
		iAfterFirst := pi.Integrator()
		pi.Step(0, 1000, cfg.Dt)
		if got := pi.Integrator(); got != iAfterFirst {
			t.Fatalf("integrator shrank to %v while saturated low", got)
		}
	})
}

func TestPI_OutputAlwaysClamped(t *testing.T) {
	cfg := testConfig()
	cfg.Kp = 5
	cfg.Ki = 2
	pi := NewPI(cfg)

	inputs := []struct{ sp, p float64 }{
		{1000, 0}, {-1000, 0}, {0, 1000}, {230, 0}, {0, 0},
		{500, 499.5}, {12.3, -45.6}, {1e6, -1e6},
	}
	for _, in := range inputs {
		u := pi.Step(in.sp, in.p, cfg.Dt)
		if u < cfg.UMin || u > cfg.UMax {
			t.Fatalf("Step(%v, %v) = %v outside [%v, %v]", in.sp, in.p, u, cfg.UMin, cfg.UMax)
		}
	}
}

func TestPI_FreezeHoldsState(t *testing.T) {
	cfg := testConfig()
	pi := NewPI(cfg)

	for i := 0; i < 10; i++ {
		pi.Step(100, 50, cfg.Dt)
	}
	iBefore := pi.Integrator()
	uBefore := pi.LastU()

	pi.Freeze()
	for i := 0; i < 5; i++ {
		u := pi.Step(200, 0, cfg.Dt)
		if u != uBefore {
			t.Fatalf("frozen Step returned %v, want last_u %v", u, uBefore)
		}
	}
	if pi.Integrator() != iBefore {
		t.Fatalf("integrator changed while frozen: %v != %v", pi.Integrator(), iBefore)
	}

	pi.Unfreeze()
	pi.Step(100, 50, cfg.Dt)
	if pi.Integrator() == iBefore {
		t.Fatal("integrator did not resume after Unfreeze")
	}
}

func TestPI_ResetClampsFeedforward(t *testing.T) {
	cfg := testConfig()
	cfg.UFf = 2.0 // above UMax
	pi := NewPI(cfg)
	if got := pi.LastU(); got != cfg.UMax {
		t.Fatalf("LastU after reset = %v, want %v", got, cfg.UMax)
	}
}

func TestPI_InputFilter(t *testing.T) {
	cfg := testConfig()
	cfg.PFiltAlpha = 0.5
	cfg.DeadbandKPa = 0.0001
	pi := NewPI(cfg)

	// First step seeds the filter with the raw measurement.
	pi.Step(100, 80, cfg.Dt)
	// Second step: filtered p = 0.5*40 + 0.5*80 = 60, so e = 40.
	iBefore := pi.Integrator()
	pi.Step(100, 40, cfg.Dt)
	want := iBefore + cfg.Ki*40*cfg.Dt
	if got := pi.Integrator(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("integrator with filtered input = %v, want %v", got, want)
	}
}

func TestPI_ZeroDtFallsBackToNominal(t *testing.T) {
	cfg := testConfig()
	pi := NewPI(cfg)
	pi.Step(100, 50, 0)
	want := cfg.Ki * 50 * cfg.Dt
	if got := pi.Integrator(); math.Abs(got-want) > 1e-12 {
		t.Fatalf("integrator = %v, want %v (nominal dt)", got, want)
	}
}
