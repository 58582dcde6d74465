package daemon

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/control"
	"github.com/presscal/presscal/pkg/events"
	"github.com/presscal/presscal/pkg/hw"
	"github.com/presscal/presscal/pkg/sensor"
	"github.com/presscal/presscal/pkg/stats"
)

// SafetyViolation is raised when the measured pressure leaves the configured
// safety window. It always forces ABORTED with the actuators in the safe
// state within the same tick.
type SafetyViolation struct {
	PressureKPa float64
	MaxKPa      float64
	MinKPa      float64
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("safety violation: %.2f kPa outside [%.2f, %.2f]", e.PressureKPa, e.MinKPa, e.MaxKPa)
}

// Runner is the calibration state machine. It is driven exclusively by the
// control loop goroutine through Tick and the command methods; it owns the
// controller and session state, which nothing else mutates.
type Runner struct {
	cfg  config.Run
	gw   hw.Gateway
	conv *sensor.Converter
	pi   *control.PI
	hub  *events.EventHub

	state  calibration.State
	points []float64
	idx    int

	tState       time.Time // entry time of the current state
	lastTick     time.Time
	settleAnchor float64   // ZERO_HOLD reference reading
	stableSince  time.Time // HOLD_MEASURE in-band dwell start

	session *calibration.Result
	result  *calibration.Result

	manualSP  *float64
	lastP     float64
	lastU     float64
	valveOpen bool
	tareDone  bool
	lastErr   string

	// sleep is the measurement-burst pacing seam; tests stub it out.
	sleep func(time.Duration)
}

// NewRunner builds an idle runner. The actuators are forced to the safe
// state immediately.
func NewRunner(cfg config.Run, gw hw.Gateway, hub *events.EventHub) *Runner {
	r := &Runner{
		cfg:   cfg,
		gw:    gw,
		conv:  sensor.NewConverter(cfg.Coefficients),
		pi:    control.NewPI(cfg.Controller),
		hub:   hub,
		state: calibration.StateIdle,
		sleep: time.Sleep,
	}
	r.safeOutputs(true)
	return r
}

// Config returns the immutable run configuration.
func (r *Runner) Config() config.Run { return r.cfg }

func (r *Runner) dutChannel() int {
	if r.cfg.DUTChannel == calibration.DUTChannelVoltage {
		return r.cfg.VoltageChannel
	}
	return r.cfg.CurrentChannel
}

// setState transitions the machine and publishes the change.
func (r *Runner) setState(s calibration.State, now time.Time) {
	if s == r.state {
		return
	}
	from := r.state
	r.state = s
	r.tState = now
	r.stableSince = time.Time{}

	logrus.WithFields(logrus.Fields{
		"from":  from,
		"to":    s,
		"point": r.idx,
	}).Info("run state changed")

	r.hub.Publish(events.RunState, events.RunStateEvent{
		From: string(from),
		To:   string(s),
		Ts:   now.Unix(),
	})
}

// safeOutputs forces pump off, relay off and optionally vents, then resets
// and freezes the controller. Errors are logged and swallowed: this is the
// path of last resort.
func (r *Runner) safeOutputs(valveOpen bool) {
	if err := r.gw.SetPumpDuty(0); err != nil {
		logrus.WithError(err).Error("safe outputs: pump")
	}
	if err := r.gw.SetRelay(false); err != nil {
		logrus.WithError(err).Error("safe outputs: relay")
	}
	if err := r.gw.SetValve(valveOpen); err != nil {
		logrus.WithError(err).Error("safe outputs: valve")
	}
	r.valveOpen = valveOpen
	r.lastU = 0
	r.pi.Reset()
	r.pi.Freeze()
}

// Start begins a calibration run. It fails if one is already in progress.
func (r *Runner) Start(now time.Time) error {
	if r.state.Running() {
		return ErrRunInProgress
	}
	r.manualSP = nil
	r.points = r.cfg.Points()
	r.idx = 0
	r.lastErr = ""
	r.pi.Reset()
	r.lastTick = time.Time{}
	r.session = &calibration.Result{
		StartedAt:  now,
		Direction:  r.cfg.Direction,
		DUTChannel: r.cfg.DUTChannel,
		PMinKPa:    r.cfg.PMinKPa,
		PMaxKPa:    r.cfg.PMaxKPa,
		SigMin:     r.cfg.SigMin,
		SigMax:     r.cfg.SigMax,
	}
	r.state = calibration.StateIdle // force the transition log below
	r.setState(calibration.StateZeroVent, now)
	return nil
}

// Abort requests a cooperative abort; it takes effect within the current
// tick.
func (r *Runner) Abort(reason string, now time.Time) {
	if r.manualSP != nil {
		r.manualSP = nil
		r.safeOutputs(true)
	}
	if !r.state.Running() {
		return
	}
	r.abort(reason, now)
}

// Tare captures the current reference reading as the zero baseline. Only
// allowed while nothing is running.
func (r *Runner) Tare() error {
	if r.state.Running() {
		return ErrRunInProgress
	}
	vadc, err := r.gw.ReadChannel(r.cfg.RefChannel)
	if err != nil {
		return &sensor.ConversionError{Channel: "ref", Err: err}
	}
	if err := r.conv.Zero(vadc); err != nil {
		return err
	}
	r.tareDone = true
	logrus.WithField("pZeroKPa", r.conv.PZero()).Info("tara captured")
	return nil
}

// SetManual enters manual hold mode: the PI drives toward sp until cleared
// or aborted. Refused during a calibration run.
func (r *Runner) SetManual(sp float64) error {
	if r.state.Running() {
		return ErrRunInProgress
	}
	if sp < 0 || sp > r.cfg.PMaxSafetyKPa {
		return fmt.Errorf("manual setpoint %.2f kPa outside [0, %.2f]", sp, r.cfg.PMaxSafetyKPa)
	}
	if r.manualSP == nil {
		r.pi.Reset()
		r.lastTick = time.Time{}
	}
	v := sp
	r.manualSP = &v
	return nil
}

// Status snapshots the runner for the presentation layer.
func (r *Runner) Status() calibration.Status {
	st := calibration.Status{
		State:        r.state,
		PressureKPa:  r.lastP,
		PumpU:        r.lastU,
		ValveOpen:    r.valveOpen,
		PointIndex:   r.idx,
		PointCount:   len(r.points),
		PZeroKPa:     r.conv.PZero(),
		TareDone:     r.tareDone,
		ManualActive: r.manualSP != nil,
		LastError:    r.lastErr,
	}
	if r.manualSP != nil {
		st.SetpointKPa = *r.manualSP
	} else if r.state.Running() && r.idx < len(r.points) {
		st.SetpointKPa = r.points[r.idx]
	}
	if r.session != nil {
		st.StartedAt = r.session.StartedAt
	}
	return st
}

// Result returns the last terminal session, or nil.
func (r *Runner) Result() *calibration.Result { return r.result }

// TareState exposes the captured zero baseline so a replacement runner can
// carry it across configuration changes.
func (r *Runner) TareState() (float64, bool) { return r.conv.PZero(), r.tareDone }

// RestoreTare installs a previously captured zero baseline.
func (r *Runner) RestoreTare(pZero float64, done bool) {
	r.conv.SetPZero(pZero)
	r.tareDone = done
}

// Tick advances the machine by one control period. It is the only mutator
// of the controller and session state.
func (r *Runner) Tick(now time.Time) {
	var dt float64
	if !r.lastTick.IsZero() {
		dt = now.Sub(r.lastTick).Seconds()
		if dt < 0.001 {
			dt = 0.001
		}
	}
	r.lastTick = now

	p, err := r.readPressure()
	if err != nil {
		r.lastErr = err.Error()
		if r.state.Running() || r.manualSP != nil {
			r.abort(err.Error(), now)
		}
		return
	}
	r.lastP = p

	// Safety window first, from any non-terminal state. Must take effect
	// within this tick.
	if r.state.Running() || r.manualSP != nil {
		if p >= r.cfg.PMaxSafetyKPa || p <= r.cfg.PMinSafetyKPa {
			v := &SafetyViolation{PressureKPa: p, MaxKPa: r.cfg.PMaxSafetyKPa, MinKPa: r.cfg.PMinSafetyKPa}
			r.abort(v.Error(), now)
			return
		}
	}

	if r.manualSP != nil {
		r.tickManual(p, dt)
		return
	}
	if !r.state.Running() {
		return
	}

	// Control uses the clamped reading; slightly negative vented readings
	// must not drive the controller.
	if p < 0 {
		p = 0
	}

	switch r.state {
	case calibration.StateZeroVent:
		r.actuate(0, false, true)
		if r.elapsed(now) >= r.cfg.VentSettleS {
			r.settleAnchor = p
			r.setState(calibration.StateZeroHold, now)
		}

	case calibration.StateZeroHold:
		r.actuate(0, false, false)
		if abs(p-r.settleAnchor) > r.cfg.Controller.DeadbandKPa {
			// Still moving: re-anchor and restart the stability window.
			r.settleAnchor = p
			r.tState = now
			return
		}
		if r.elapsed(now) >= r.cfg.SettleTimeS {
			if err := r.captureZero(); err != nil {
				r.abort(err.Error(), now)
				return
			}
			r.pi.Reset()
			r.setState(calibration.StateGotoSetpoint, now)
		}

	case calibration.StateGotoSetpoint:
		sp := r.setpoint()
		if sp < p {
			// Falling: the valve governs, pump off, controller frozen.
			r.pi.Freeze()
			r.actuate(0, false, true)
			if abs(sp-p) <= r.cfg.Controller.DeadbandKPa {
				r.setState(calibration.StateInBandWaitDown, now)
			}
			return
		}
		// Rising: valve closed, pump governed by the PI.
		r.pi.Unfreeze()
		u := r.pi.Step(sp, p, dt)
		r.actuate(u, true, false)
		if abs(sp-p) <= r.cfg.Controller.DeadbandKPa {
			r.setState(calibration.StateInBandWaitUp, now)
		}

	case calibration.StateInBandWaitUp:
		sp := r.setpoint()
		u := r.pi.Step(sp, p, dt)
		r.actuate(u, true, false)
		if abs(sp-p) > r.cfg.Controller.DeadbandKPa {
			r.setState(calibration.StateGotoSetpoint, now)
			return
		}
		if r.elapsed(now) >= r.cfg.InbandUpS {
			r.pi.Freeze()
			r.actuate(0, false, false)
			r.setState(calibration.StateHoldMeasure, now)
		}

	case calibration.StateInBandWaitDown:
		sp := r.setpoint()
		r.pi.Freeze()
		r.actuate(0, false, true)
		if abs(sp-p) > r.cfg.Controller.DeadbandKPa {
			r.setState(calibration.StateGotoSetpoint, now)
			return
		}
		if r.elapsed(now) >= r.cfg.InbandDownS {
			r.setState(calibration.StateDownCloseDelay, now)
		}

	case calibration.StateDownCloseDelay:
		// Keep venting briefly so the closure does not bump the pressure
		// during a falling ramp.
		r.actuate(0, false, true)
		if r.elapsed(now) >= r.cfg.ValveCloseDelayS {
			r.actuate(0, false, false)
			r.setState(calibration.StateHoldMeasure, now)
		}

	case calibration.StateHoldMeasure:
		r.actuate(0, false, false)
		sp := r.setpoint()

		inBand := abs(sp-p) <= r.cfg.Controller.DeadbandKPa
		if inBand {
			if r.stableSince.IsZero() {
				r.stableSince = now
			}
		} else {
			r.stableSince = time.Time{}
		}

		settled := !r.stableSince.IsZero() && now.Sub(r.stableSince).Seconds() >= r.cfg.SettleTimeS
		timedOut := r.elapsed(now) >= r.cfg.SettleTimeMaxS
		if !settled && !timedOut {
			return
		}
		if err := r.measurePoint(sp, !settled, now); err != nil {
			r.abort(err.Error(), now)
			return
		}
		r.pi.Unfreeze()
		r.advancePoint(now)
	}
}

func (r *Runner) tickManual(p, dt float64) {
	sp := *r.manualSP
	r.pi.Unfreeze()
	u := r.pi.Step(sp, p, dt)
	r.actuate(u, true, false)
}

func (r *Runner) elapsed(now time.Time) float64 {
	return now.Sub(r.tState).Seconds()
}

func (r *Runner) setpoint() float64 {
	if r.idx < len(r.points) {
		return r.points[r.idx]
	}
	return 0
}

// actuate issues the three actuator commands for the current state.
func (r *Runner) actuate(u float64, relayOn, valveOpen bool) {
	if err := r.gw.SetPumpDuty(u); err != nil {
		logrus.WithError(err).Error("set pump duty")
	}
	if err := r.gw.SetRelay(relayOn); err != nil {
		logrus.WithError(err).Error("set relay")
	}
	if err := r.gw.SetValve(valveOpen); err != nil {
		logrus.WithError(err).Error("set valve")
	}
	r.lastU = u
	r.valveOpen = valveOpen
}

func (r *Runner) readPressure() (float64, error) {
	vadc, err := r.gw.ReadChannel(r.cfg.RefChannel)
	if err != nil {
		return 0, &sensor.ConversionError{Channel: "ref", Err: err}
	}
	return r.conv.Pressure(vadc)
}

func (r *Runner) captureZero() error {
	vadc, err := r.gw.ReadChannel(r.cfg.RefChannel)
	if err != nil {
		return &sensor.ConversionError{Channel: "ref", Err: err}
	}
	if err := r.conv.Zero(vadc); err != nil {
		return err
	}
	r.tareDone = true
	r.session.PZeroKPa = r.conv.PZero()
	logrus.WithField("pZeroKPa", r.conv.PZero()).Info("zero reference recorded")
	return nil
}

// measurePoint collects the sample burst and finalizes the current point.
// Actuator commands are held static for the duration, which is bounded by
// NSamplesMeasure x SampleDtMeasureS.
func (r *Runner) measurePoint(sp float64, degraded bool, now time.Time) error {
	n := r.cfg.NSamplesMeasure
	dutCh := r.dutChannel()

	pSamples := make([]float64, 0, n)
	dutSamples := make([]float64, 0, n)

	for i := 0; i < n; i++ {
		vRef, err := r.gw.ReadChannel(r.cfg.RefChannel)
		if err != nil {
			return &sensor.ConversionError{Channel: "ref", Err: err}
		}
		p, err := r.conv.Pressure(vRef)
		if err != nil {
			return err
		}
		if p < 0 {
			p = 0
		}

		vDut, err := r.gw.ReadChannel(dutCh)
		if err != nil {
			return &sensor.ConversionError{Channel: string(r.cfg.DUTChannel), Err: err}
		}
		dut, err := r.conv.DUT(vDut, r.cfg.DUTChannel)
		if err != nil {
			return err
		}

		pSamples = append(pSamples, p)
		dutSamples = append(dutSamples, dut)

		if r.cfg.SampleDtMeasureS > 0 && i < n-1 {
			r.sleep(time.Duration(r.cfg.SampleDtMeasureS * float64(time.Second)))
		}
	}

	pSum := stats.Summarize(pSamples)
	dutSum := stats.Summarize(dutSamples)

	point := calibration.Point{
		Index:        r.idx,
		SetpointKPa:  sp,
		PressureMean: pSum.Mean,
		PressureStd:  pSum.Std,
		DUTMean:      dutSum.Mean,
		DUTStd:       dutSum.Std,
		SpanPct:      stats.SpanPct(dutSum.Mean, r.cfg.SigMin, r.cfg.SigMax),
		ErrorPct:     stats.ErrorPct(pSum.Mean, r.cfg.PMinKPa, r.cfg.PMaxKPa, dutSum.Mean, r.cfg.SigMin, r.cfg.SigMax),
		LastU:        r.lastU,
		Degraded:     degraded,
	}
	r.session.Points = append(r.session.Points, point)

	logrus.WithFields(logrus.Fields{
		"point":    point.Index,
		"setpoint": point.SetpointKPa,
		"pMean":    point.PressureMean,
		"dutMean":  point.DUTMean,
		"errorPct": point.ErrorPct,
		"degraded": point.Degraded,
	}).Info("calibration point measured")

	r.hub.Publish(events.RunPoint, events.RunPointEvent{
		Index:        point.Index,
		SetpointKPa:  point.SetpointKPa,
		PressureMean: point.PressureMean,
		DUTMean:      point.DUTMean,
		ErrorPct:     point.ErrorPct,
		Degraded:     point.Degraded,
		Ts:           now.Unix(),
	})
	return nil
}

func (r *Runner) advancePoint(now time.Time) {
	r.idx++
	r.pi.Reset()
	if r.idx < len(r.points) {
		r.setState(calibration.StateGotoSetpoint, now)
		return
	}
	r.finish(now)
}

func (r *Runner) finish(now time.Time) {
	r.safeOutputs(true)
	r.session.FinishedAt = now
	r.session.State = calibration.StateFinished
	r.session.Fit = stats.FitPoints(r.session.Points)
	r.result = r.session
	r.session = nil
	r.setState(calibration.StateFinished, now)

	if f := r.result.Fit; f != nil {
		logrus.WithFields(logrus.Fields{
			"slope":     f.Slope,
			"intercept": f.Intercept,
			"r2":        f.R2,
			"points":    len(r.result.Points),
		}).Info("calibration finished")
	}

	r.hub.Publish(events.RunDone, events.RunDoneEvent{
		State: string(calibration.StateFinished),
		Ts:    now.Unix(),
	})
}

func (r *Runner) abort(reason string, now time.Time) {
	r.safeOutputs(true)
	r.manualSP = nil
	r.lastErr = reason

	logrus.WithField("reason", reason).Error("run aborted")

	if r.session != nil {
		r.session.FinishedAt = now
		r.session.State = calibration.StateAborted
		r.session.AbortReason = reason
		r.result = r.session
		r.session = nil
	}
	if r.state.Running() {
		r.setState(calibration.StateAborted, now)
	}

	r.hub.Publish(events.RunDone, events.RunDoneEvent{
		State:       string(calibration.StateAborted),
		AbortReason: reason,
		Ts:          now.Unix(),
	})
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
