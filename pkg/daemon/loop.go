package daemon

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/events"
	"github.com/presscal/presscal/pkg/hw"
)

// telemetryPeriod is how often the live snapshot is broadcast to websocket
// clients. The control loop itself ticks much faster.
const telemetryPeriod = 100 * time.Millisecond

// requestTimeout bounds how long an API handler waits for the control loop.
// It must cover a full measurement burst, during which the loop is busy.
const requestTimeout = 5 * time.Second

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdAbort
	cmdTare
	cmdManual
	cmdManualStop
	cmdConfigUpdate
)

type command struct {
	kind   cmdKind
	sp     float64
	reason string
	update *config.RawFileConfig
	resp   chan error
}

// Daemon owns the control loop goroutine. The loop is the sole mutator of
// the runner; everything else talks to it through the command channel or
// reads the atomically published snapshots.
type Daemon struct {
	conf  config.Config
	gw    hw.Gateway
	hub   *events.EventHub
	wsHub *WSHub
	sched *Scheduler

	// runner is owned by the control loop goroutine after Start.
	runner *Runner

	cmds chan command
	stop chan struct{}
	done chan struct{}

	status atomic.Pointer[calibration.Status]
	result atomic.Pointer[calibration.Result]

	tick time.Duration
}

// NewDaemon wires a daemon around the given configuration and gateway. The
// control loop is not started yet.
func NewDaemon(conf config.Config, gw hw.Gateway) (*Daemon, error) {
	run, err := conf.Run()
	if err != nil {
		return nil, errors.Wrap(err, "initial configuration")
	}

	hub := events.NewEventHub()
	d := &Daemon{
		conf:   conf,
		gw:     gw,
		hub:    hub,
		wsHub:  NewWSHub(),
		runner: NewRunner(run, gw, hub),
		cmds:   make(chan command, 8),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		tick:   run.TickPeriod,
	}
	d.sched = NewScheduler(d.startScheduled, d.onScheduleError)

	st := d.runner.Status()
	d.status.Store(&st)
	return d, nil
}

// StartLoop launches the control loop goroutine.
func (d *Daemon) StartLoop() {
	go d.controlLoop()
}

// StopLoop aborts any active run, forces the safe actuator state and stops
// the loop. It blocks until the loop has exited.
func (d *Daemon) StopLoop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}

func (d *Daemon) controlLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	logrus.WithField("tick", d.tick).Debug("control loop started")

	var lastBroadcast time.Time
	for {
		select {
		case <-d.stop:
			d.runner.Abort("daemon shutting down", time.Now())
			d.publish()
			return

		case now := <-ticker.C:
			d.drainCommands(now)
			d.runner.Tick(now)
			d.publish()

			if now.Sub(lastBroadcast) >= telemetryPeriod {
				lastBroadcast = now
				d.wsHub.Broadcast(WSMessage{Type: "status", Data: d.status.Load()})
			}
		}
	}
}

// publish refreshes the read-only snapshots and persists a freshly finished
// session.
func (d *Daemon) publish() {
	st := d.runner.Status()
	d.status.Store(&st)

	if res := d.runner.Result(); res != nil && res != d.result.Load() {
		d.result.Store(res)
		if err := d.persistResult(res); err != nil {
			logrus.WithError(err).Error("persist result")
		}
		d.wsHub.Broadcast(WSMessage{Type: "result", Data: res})
	}
}

// drainCommands executes every pending command before the next control
// action, so aborts always win over the running sequence.
func (d *Daemon) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-d.cmds:
			cmd.resp <- d.execute(cmd, now)
		default:
			return
		}
	}
}

func (d *Daemon) execute(cmd command, now time.Time) error {
	// Refresh the snapshot before the reply is delivered, so handlers see
	// the effect of their own command.
	defer func() {
		st := d.runner.Status()
		d.status.Store(&st)
	}()

	switch cmd.kind {
	case cmdStart:
		return d.startRun(cmd.update, now)
	case cmdAbort:
		d.runner.Abort(cmd.reason, now)
		return nil
	case cmdTare:
		return d.runner.Tare()
	case cmdManual:
		return d.runner.SetManual(cmd.sp)
	case cmdManualStop:
		d.runner.Abort("manual hold stopped", now)
		return nil
	case cmdConfigUpdate:
		if d.runner.Status().State.Running() {
			return ErrRunInProgress
		}
		return d.conf.Update(cmd.update)
	}
	return errors.Errorf("unknown command kind %d", cmd.kind)
}

// startRun rebuilds the runner from the current configuration so config
// changes made between sessions take effect, then starts the sequence. An
// optional override is applied and persisted first. The zero baseline
// survives the rebuild.
func (d *Daemon) startRun(override *config.RawFileConfig, now time.Time) error {
	if d.runner.Status().State.Running() {
		return ErrRunInProgress
	}

	if override != nil {
		if err := d.conf.Update(override); err != nil {
			return err
		}
	}

	run, err := d.conf.Run()
	if err != nil {
		return err
	}

	nr := NewRunner(run, d.gw, d.hub)
	nr.RestoreTare(d.runner.TareState())
	if err := nr.Start(now); err != nil {
		return err
	}
	d.runner = nr
	return nil
}

// request sends a command to the control loop and waits for its reply.
func (d *Daemon) request(cmd command) error {
	cmd.resp = make(chan error, 1)
	select {
	case d.cmds <- cmd:
	case <-time.After(requestTimeout):
		return errors.New("control loop is not accepting commands")
	case <-d.done:
		return errors.New("control loop has stopped")
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-time.After(requestTimeout):
		return errors.New("control loop did not respond in time")
	case <-d.done:
		return errors.New("control loop has stopped")
	}
}

// StartRun begins a calibration session. A non-nil override is applied to
// the configuration first, atomically with the start.
func (d *Daemon) StartRun(override *config.RawFileConfig) error {
	return d.request(command{kind: cmdStart, update: override})
}

// AbortRun cooperatively aborts the active session or manual hold.
func (d *Daemon) AbortRun(reason string) error {
	return d.request(command{kind: cmdAbort, reason: reason})
}

// Tare captures the current reference reading as the zero baseline.
func (d *Daemon) Tare() error { return d.request(command{kind: cmdTare}) }

// Manual enters manual hold mode at the given setpoint.
func (d *Daemon) Manual(sp float64) error {
	return d.request(command{kind: cmdManual, sp: sp})
}

// StopManual leaves manual hold mode and vents.
func (d *Daemon) StopManual() error { return d.request(command{kind: cmdManualStop}) }

// UpdateConfig applies a partial configuration update. Rejected while a run
// is active.
func (d *Daemon) UpdateConfig(u *config.RawFileConfig) error {
	return d.request(command{kind: cmdConfigUpdate, update: u})
}

// Status returns the latest published snapshot.
func (d *Daemon) Status() calibration.Status {
	if st := d.status.Load(); st != nil {
		return *st
	}
	return calibration.Status{State: calibration.StateIdle}
}

// LastResult returns the most recent terminal session, or nil.
func (d *Daemon) LastResult() *calibration.Result { return d.result.Load() }

func (d *Daemon) startScheduled() error {
	logrus.Info("scheduled calibration run starting")
	return d.StartRun(nil)
}

func (d *Daemon) onScheduleError(err error) {
	logrus.WithError(err).Error("scheduled run failed")
}
