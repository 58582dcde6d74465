package daemon

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TaskFunc represents a runnable scheduled task.
type TaskFunc func() error

// ErrorFunc is called when a scheduled task fails.
type ErrorFunc func(err error)

// Scheduler fires unattended calibration runs on a cron schedule. A single
// schedule is active at a time; setting a new one replaces the old.
type Scheduler struct {
	task    TaskFunc
	onError ErrorFunc

	parser cron.Parser

	mu       sync.Mutex
	schedule cron.Schedule
	expr     string
	nextRun  time.Time
	running  bool

	recalcCh chan struct{}
	stopCh   chan struct{}
}

func NewScheduler(task TaskFunc, onError ErrorFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}
	return &Scheduler{
		task:     task,
		onError:  onError,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		recalcCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. Without a schedule it simply
// waits.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.run()
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Schedule installs a new cron expression, replacing any previous one.
func (s *Scheduler) Schedule(cronExpr string) error {
	sh, err := s.parser.Parse(cronExpr)
	if err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", cronExpr)
	}

	s.mu.Lock()
	s.schedule = sh
	s.expr = cronExpr
	s.nextRun = sh.Next(time.Now())
	s.mu.Unlock()

	s.notifyRecalc()
	logrus.WithField("cron", cronExpr).Info("schedule installed")
	return nil
}

// Clear removes the active schedule.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.schedule = nil
	s.expr = ""
	s.nextRun = time.Time{}
	s.mu.Unlock()

	s.notifyRecalc()
	logrus.Info("schedule cleared")
}

// Next reports the active cron expression and the next firing time. ok is
// false when no schedule is installed.
func (s *Scheduler) Next() (expr string, next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return "", time.Time{}, false
	}
	return s.expr, s.nextRun, true
}

func (s *Scheduler) notifyRecalc() {
	select {
	case s.recalcCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		next := s.nextRun
		armed := s.schedule != nil
		s.mu.Unlock()

		if armed {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			logrus.WithField("nextRun", next.Format(time.DateTime)).Debug("scheduler armed")
		} else {
			timer.Stop()
		}

		select {
		case <-s.stopCh:
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return

		case <-s.recalcCh:
			// Schedule changed; recompute the timer.

		case <-timer.C:
			if err := s.task(); err != nil && s.onError != nil {
				s.onError(err)
			}
			s.advance()
		}
	}
}

func (s *Scheduler) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(time.Now())
}
