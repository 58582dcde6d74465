package daemon

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestCronParse(t *testing.T) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse("@every 10m")
	if err != nil {
		t.Fatalf("failed to parse cron expression: %v", err)
	}

	now := time.Now()
	next1 := schedule.Next(now)
	next2 := schedule.Next(next1)
	if !next2.After(next1) {
		t.Fatalf("expected next2 to be after next1, got next1=%v next2=%v", next1, next2)
	}
}

func TestSchedulerScheduleNext(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil)

	if _, _, ok := s.Next(); ok {
		t.Fatal("expected no schedule before Schedule is called")
	}

	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}

	expr, next, ok := s.Next()
	if !ok {
		t.Fatal("expected an active schedule")
	}
	if expr != "@every 1m" {
		t.Fatalf("expected the installed expression, got %q", expr)
	}
	if next.IsZero() || !next.After(time.Now()) {
		t.Fatalf("next run should be in the future, got %v", next)
	}
}

func TestSchedulerRejectsBadExpression(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil)
	if err := s.Schedule("not a cron expression"); err == nil {
		t.Fatal("expected an error for a malformed expression")
	}
}

func TestSchedulerClear(t *testing.T) {
	s := NewScheduler(func() error { return nil }, nil)
	if err := s.Schedule("@every 1m"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Clear()
	if _, _, ok := s.Next(); ok {
		t.Fatal("expected no schedule after Clear")
	}
}

func TestSchedulerFiresTask(t *testing.T) {
	taskCh := make(chan struct{}, 1)
	s := NewScheduler(func() error {
		select {
		case taskCh <- struct{}{}:
		default:
		}
		return nil
	}, nil)

	if err := s.Schedule("@every 1s"); err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-taskCh:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled task did not fire")
	}
}
