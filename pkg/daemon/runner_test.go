package daemon

import (
	"strings"
	"testing"
	"time"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/control"
	"github.com/presscal/presscal/pkg/events"
	"github.com/presscal/presscal/pkg/sensor"
)

// fakeGateway exposes a test-controlled pressure on the reference channel
// and mirrors it on the DUT channels. The conversion coefficients used with
// it are identity mappings, so ADC volts equal kilopascals.
type fakeGateway struct {
	pressureKPa float64
	readErr     error

	pumpU     float64
	relayOn   bool
	valveOpen bool
}

func (g *fakeGateway) ReadChannel(ch int) (float64, error) {
	if g.readErr != nil {
		return 0, g.readErr
	}
	switch ch {
	case 0, 1, 2:
		return g.pressureKPa, nil
	}
	return 0, &sensor.ConversionError{Channel: "fake"}
}

func (g *fakeGateway) SetPumpDuty(u float64) error {
	g.pumpU = u
	return nil
}

func (g *fakeGateway) SetValve(open bool) error {
	g.valveOpen = open
	return nil
}

func (g *fakeGateway) SetRelay(on bool) error {
	g.relayOn = on
	return nil
}

func (g *fakeGateway) Close() error { return nil }

func testRunConfig() config.Run {
	return config.Run{
		Controller: control.PIConfig{
			Kp:               0.01,
			Ki:               0.001,
			Dt:               0.05,
			UMin:             0,
			UMax:             1,
			UFf:              0.4,
			DeadbandKPa:      1.0,
			IDecayInDeadband: 0.97,
			PFiltAlpha:       1.0,
		},
		Coefficients: sensor.Coefficients{
			B2:        1, // poly(v) = v, so volts map 1:1 to kPa
			Voltage:   sensor.LinearCal{Gain: 1},
			Current:   sensor.LinearCal{Gain: 1},
			VADCMinOK: -1000,
			VADCMaxOK: 1000,
		},
		RefChannel:       2,
		VoltageChannel:   0,
		CurrentChannel:   1,
		DUTChannel:       calibration.DUTChannelCurrent,
		Direction:        calibration.DirectionUp,
		PointCount:       3,
		PMinKPa:          0,
		PMaxKPa:          100,
		SigMin:           0,
		SigMax:           100,
		VentSettleS:      1,
		SettleTimeS:      1,
		SettleTimeMaxS:   3,
		InbandUpS:        0.5,
		InbandDownS:      0.5,
		ValveCloseDelayS: 0.2,
		PMaxSafetyKPa:    150,
		PMinSafetyKPa:    -5,
		NSamplesMeasure:  3,
		SampleDtMeasureS: 0,
		TickPeriod:       50 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T) (*Runner, *fakeGateway) {
	t.Helper()
	g := &fakeGateway{}
	r := NewRunner(testRunConfig(), g, events.NewEventHub())
	r.sleep = func(time.Duration) {}
	return r, g
}

// tickFor advances the runner in 100 ms steps for the given duration.
func tickFor(r *Runner, now *time.Time, d time.Duration) {
	step := 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		*now = now.Add(step)
		r.Tick(*now)
	}
}

// tickUntil advances the runner until it reaches the wanted state or the
// deadline passes.
func tickUntil(t *testing.T, r *Runner, now *time.Time, want calibration.State, maxD time.Duration) {
	t.Helper()
	step := 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < maxD; elapsed += step {
		*now = now.Add(step)
		r.Tick(*now)
		if r.Status().State == want {
			return
		}
	}
	t.Fatalf("runner did not reach %s within %v, still in %s", want, maxD, r.Status().State)
}

func TestRunnerFullRunToFinished(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if got := r.Status().State; got != calibration.StateZeroVent {
		t.Fatalf("expected ZERO_VENT after start, got %s", got)
	}
	if r.Status().PointCount != 3 {
		t.Fatalf("expected 3 points, got %d", r.Status().PointCount)
	}

	// Vented and holding still at 0 kPa; zero capture then the first target.
	tickUntil(t, r, &now, calibration.StateZeroHold, 3*time.Second)
	if !g.valveOpen {
		t.Fatalf("valve must be open while venting down to zero")
	}
	tickUntil(t, r, &now, calibration.StateGotoSetpoint, 3*time.Second)
	if !r.Status().TareDone {
		t.Fatalf("zero capture should mark the tare as done")
	}

	// The plant follows the setpoint perfectly: snap the fake pressure onto
	// each target and let the dwell timers run out.
	for point := 0; point < 3; point++ {
		g.pressureKPa = r.Status().SetpointKPa
		tickUntil(t, r, &now, calibration.StateHoldMeasure, 5*time.Second)
		tickFor(r, &now, 2*time.Second) // settle dwell plus the measurement
		if point < 2 {
			if got := r.Status().State; got != calibration.StateGotoSetpoint {
				t.Fatalf("after point %d expected GOTO_SETPOINT, got %s", point, got)
			}
		}
	}

	if got := r.Status().State; got != calibration.StateFinished {
		t.Fatalf("expected FINISHED, got %s", got)
	}

	res := r.Result()
	if res == nil {
		t.Fatal("expected a result after FINISHED")
	}
	if len(res.Points) != 3 {
		t.Fatalf("expected 3 measured points, got %d", len(res.Points))
	}
	for i, p := range res.Points {
		if p.Degraded {
			t.Errorf("point %d unexpectedly degraded", i)
		}
	}

	// The fake DUT mirrors the reference, so the fit must be the identity.
	if res.Fit == nil {
		t.Fatal("expected a fit on the finished result")
	}
	if abs(res.Fit.Slope-1) > 1e-9 || abs(res.Fit.Intercept) > 1e-9 {
		t.Fatalf("expected identity fit, got slope=%v intercept=%v", res.Fit.Slope, res.Fit.Intercept)
	}
	if abs(res.Fit.R2-1) > 1e-9 {
		t.Fatalf("expected R2=1, got %v", res.Fit.R2)
	}

	// Terminal state leaves the rig safe.
	if g.pumpU != 0 || g.relayOn || !g.valveOpen {
		t.Fatalf("expected safe outputs after FINISHED, got pump=%v relay=%v valve=%v", g.pumpU, g.relayOn, g.valveOpen)
	}
}

func TestRunnerDownRampVentsThroughWaitDown(t *testing.T) {
	cfg := testRunConfig()
	cfg.Direction = calibration.DirectionDown
	g := &fakeGateway{}
	r := NewRunner(cfg, g, events.NewEventHub())
	r.sleep = func(time.Duration) {}
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	tickUntil(t, r, &now, calibration.StateGotoSetpoint, 5*time.Second)

	// Highest target first on a falling run.
	sp := r.Status().SetpointKPa
	if abs(sp-100) > 1e-9 {
		t.Fatalf("first setpoint on a DOWN run = %v, want 100", sp)
	}
	g.pressureKPa = sp
	tickUntil(t, r, &now, calibration.StateHoldMeasure, 5*time.Second)
	tickFor(r, &now, 2*time.Second)

	// Second target is below the current pressure, so the rig must vent
	// with the pump off and the controller out of the loop.
	sp = r.Status().SetpointKPa
	if abs(sp-50) > 1e-9 {
		t.Fatalf("second setpoint = %v, want 50", sp)
	}
	now = now.Add(100 * time.Millisecond)
	r.Tick(now)
	if got := r.Status().State; got != calibration.StateGotoSetpoint {
		t.Fatalf("expected GOTO_SETPOINT while venting down, got %s", got)
	}
	if g.pumpU != 0 || g.relayOn || !g.valveOpen {
		t.Fatalf("venting must hold pump=0 relay=off valve=open, got pump=%v relay=%v valve=%v", g.pumpU, g.relayOn, g.valveOpen)
	}

	// Vent lands just inside the band above the target.
	g.pressureKPa = sp + 0.5
	tickUntil(t, r, &now, calibration.StateInBandWaitDown, 2*time.Second)
	if g.pumpU != 0 || g.relayOn || !g.valveOpen {
		t.Fatalf("IN_BAND_WAIT_DOWN must keep venting, got pump=%v relay=%v valve=%v", g.pumpU, g.relayOn, g.valveOpen)
	}

	tickUntil(t, r, &now, calibration.StateDownCloseDelay, 2*time.Second)
	if !g.valveOpen {
		t.Fatal("valve must stay open through DOWN_CLOSE_DELAY")
	}

	tickUntil(t, r, &now, calibration.StateHoldMeasure, 2*time.Second)
	if g.valveOpen {
		t.Fatal("valve must be closed once the measurement hold begins")
	}
	if g.pumpU != 0 || g.relayOn {
		t.Fatalf("measurement hold must leave the pump off, got pump=%v relay=%v", g.pumpU, g.relayOn)
	}
	tickFor(r, &now, 2*time.Second)

	// Last target at the bottom of the range, again approached from above.
	sp = r.Status().SetpointKPa
	if abs(sp) > 1e-9 {
		t.Fatalf("last setpoint = %v, want 0", sp)
	}
	g.pressureKPa = 0.5
	tickUntil(t, r, &now, calibration.StateHoldMeasure, 5*time.Second)
	tickFor(r, &now, 2*time.Second)

	if got := r.Status().State; got != calibration.StateFinished {
		t.Fatalf("expected FINISHED, got %s", got)
	}
	res := r.Result()
	if res == nil || len(res.Points) != 3 {
		t.Fatalf("expected 3 measured points, got %+v", res)
	}
	for i, p := range res.Points {
		if p.Degraded {
			t.Errorf("point %d unexpectedly degraded", i)
		}
	}
}

func TestRunnerSafetyCutoffHigh(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	tickFor(r, &now, 500*time.Millisecond)

	g.pressureKPa = 160 // above the 150 kPa cutoff
	now = now.Add(100 * time.Millisecond)
	r.Tick(now)

	if got := r.Status().State; got != calibration.StateAborted {
		t.Fatalf("expected ABORTED after overpressure, got %s", got)
	}
	if g.pumpU != 0 {
		t.Fatalf("pump must be off after a safety abort, got duty %v", g.pumpU)
	}
	if g.relayOn {
		t.Fatal("relay must be off after a safety abort")
	}
	if !g.valveOpen {
		t.Fatal("valve must be open after a safety abort")
	}

	res := r.Result()
	if res == nil {
		t.Fatal("expected an aborted result")
	}
	if res.State != calibration.StateAborted {
		t.Fatalf("result state = %s, want ABORTED", res.State)
	}
	if !strings.Contains(res.AbortReason, "safety violation") {
		t.Fatalf("abort reason %q should mention the safety violation", res.AbortReason)
	}
}

func TestRunnerSafetyCutoffLow(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	// Tare at 10 kPa so a later drop reads negative relative pressure.
	g.pressureKPa = 10
	if err := r.Tare(); err != nil {
		t.Fatalf("Tare returned error: %v", err)
	}

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	g.pressureKPa = 4 // reads -6 kPa relative, below the -5 kPa cutoff
	now = now.Add(100 * time.Millisecond)
	r.Tick(now)

	if got := r.Status().State; got != calibration.StateAborted {
		t.Fatalf("expected ABORTED after vacuum excursion, got %s", got)
	}
}

func TestRunnerOperatorAbort(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	tickFor(r, &now, 300*time.Millisecond)

	r.Abort("operator abort", now)

	if got := r.Status().State; got != calibration.StateAborted {
		t.Fatalf("expected ABORTED, got %s", got)
	}
	if g.pumpU != 0 || g.relayOn || !g.valveOpen {
		t.Fatalf("expected safe outputs, got pump=%v relay=%v valve=%v", g.pumpU, g.relayOn, g.valveOpen)
	}
	if res := r.Result(); res == nil || res.AbortReason != "operator abort" {
		t.Fatalf("expected operator abort reason on result, got %+v", res)
	}
}

func TestRunnerStartWhileRunning(t *testing.T) {
	r, _ := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := r.Start(now); err != ErrRunInProgress {
		t.Fatalf("second Start = %v, want ErrRunInProgress", err)
	}
	if err := r.SetManual(10); err != ErrRunInProgress {
		t.Fatalf("SetManual during run = %v, want ErrRunInProgress", err)
	}
	if err := r.Tare(); err != ErrRunInProgress {
		t.Fatalf("Tare during run = %v, want ErrRunInProgress", err)
	}
}

func TestRunnerDegradedPoint(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	tickUntil(t, r, &now, calibration.StateGotoSetpoint, 5*time.Second)

	// Reach the hold state for the first target, then yank the pressure out
	// of band so the stability dwell never completes.
	g.pressureKPa = r.Status().SetpointKPa
	tickUntil(t, r, &now, calibration.StateHoldMeasure, 5*time.Second)
	g.pressureKPa = r.Status().SetpointKPa + 10

	tickUntil(t, r, &now, calibration.StateGotoSetpoint, 5*time.Second)

	res := r.Result()
	if res != nil {
		t.Fatalf("run should still be in progress, got result %+v", res)
	}
	// The point was recorded on timeout and flagged.
	st := r.Status()
	if st.PointIndex != 1 {
		t.Fatalf("expected to be on point 1 after the degraded measurement, got %d", st.PointIndex)
	}
	if len(r.session.Points) != 1 || !r.session.Points[0].Degraded {
		t.Fatalf("expected one degraded point in the session, got %+v", r.session.Points)
	}
}

func TestRunnerTareShiftsReadings(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	g.pressureKPa = 3
	if err := r.Tare(); err != nil {
		t.Fatalf("Tare returned error: %v", err)
	}

	st := r.Status()
	if !st.TareDone {
		t.Fatal("expected TareDone after Tare")
	}
	if abs(st.PZeroKPa-3) > 1e-9 {
		t.Fatalf("expected pZero 3 kPa, got %v", st.PZeroKPa)
	}

	r.Tick(now)
	if got := r.Status().PressureKPa; abs(got) > 1e-9 {
		t.Fatalf("expected 0 kPa after taring at 3 kPa, got %v", got)
	}
}

func TestRunnerManualHold(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.SetManual(50); err != nil {
		t.Fatalf("SetManual returned error: %v", err)
	}
	if err := r.SetManual(200); err == nil {
		t.Fatal("expected an error for a setpoint above the safety cutoff")
	}

	tickFor(r, &now, 500*time.Millisecond)

	if !g.relayOn {
		t.Fatal("manual hold should enable the pump relay")
	}
	if g.pumpU <= 0 {
		t.Fatalf("manual hold should drive the pump, got duty %v", g.pumpU)
	}
	if !r.Status().ManualActive {
		t.Fatal("expected ManualActive in the status snapshot")
	}

	r.Abort("manual hold stopped", now)
	if r.Status().ManualActive {
		t.Fatal("abort should leave manual hold")
	}
	if g.pumpU != 0 || g.relayOn || !g.valveOpen {
		t.Fatalf("expected safe outputs after leaving manual hold, got pump=%v relay=%v valve=%v", g.pumpU, g.relayOn, g.valveOpen)
	}
}

func TestRunnerReadErrorAborts(t *testing.T) {
	r, g := newTestRunner(t)
	now := time.Unix(1000, 0)

	if err := r.Start(now); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	tickFor(r, &now, 300*time.Millisecond)

	g.readErr = &sensor.ConversionError{Channel: "ref"}
	now = now.Add(100 * time.Millisecond)
	r.Tick(now)

	if got := r.Status().State; got != calibration.StateAborted {
		t.Fatalf("expected ABORTED after a read failure, got %s", got)
	}
}
