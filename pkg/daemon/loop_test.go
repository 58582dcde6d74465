package daemon

import (
	"path/filepath"
	"testing"

	"github.com/presscal/presscal/pkg/calibration"
	"github.com/presscal/presscal/pkg/config"
	"github.com/presscal/presscal/pkg/utils/ptr"
)

func newTestDaemon(t *testing.T) (*Daemon, *fakeGateway) {
	t.Helper()

	raw := &config.RawFileConfig{
		LoopIntervalMs: ptr.To(5),
		DataDir:        ptr.To(""), // no persistence in tests
	}
	conf := config.NewFileFromConfig(raw, filepath.Join(t.TempDir(), "config.json"))

	g := &fakeGateway{}
	d, err := NewDaemon(conf, g)
	if err != nil {
		t.Fatalf("NewDaemon returned error: %v", err)
	}
	d.StartLoop()
	t.Cleanup(d.StopLoop)
	return d, g
}

func TestDaemonCommandRoundTrip(t *testing.T) {
	d, _ := newTestDaemon(t)

	if got := d.Status().State; got != calibration.StateIdle {
		t.Fatalf("expected IDLE on startup, got %s", got)
	}

	if err := d.Tare(); err != nil {
		t.Fatalf("Tare returned error: %v", err)
	}
	if !d.Status().TareDone {
		t.Fatal("expected TareDone after the tare command completed")
	}

	if err := d.StartRun(nil); err != nil {
		t.Fatalf("StartRun returned error: %v", err)
	}
	if got := d.Status().State; got != calibration.StateZeroVent {
		t.Fatalf("expected ZERO_VENT after start, got %s", got)
	}

	// Config updates are refused mid-run.
	u := &config.RawFileConfig{PointCount: ptr.To(7)}
	if err := d.UpdateConfig(u); err != ErrRunInProgress {
		t.Fatalf("UpdateConfig during run = %v, want ErrRunInProgress", err)
	}
	if err := d.StartRun(nil); err != ErrRunInProgress {
		t.Fatalf("second StartRun = %v, want ErrRunInProgress", err)
	}

	if err := d.AbortRun("test abort"); err != nil {
		t.Fatalf("AbortRun returned error: %v", err)
	}
	if got := d.Status().State; got != calibration.StateAborted {
		t.Fatalf("expected ABORTED after abort, got %s", got)
	}

	res := d.LastResult()
	if res == nil || res.AbortReason != "test abort" {
		t.Fatalf("expected aborted result with reason, got %+v", res)
	}

	// Idle again: the update goes through and is visible in the raw config.
	if err := d.UpdateConfig(u); err != nil {
		t.Fatalf("UpdateConfig while idle returned error: %v", err)
	}
	if raw := d.conf.Raw(); raw.PointCount == nil || *raw.PointCount != 7 {
		t.Fatalf("expected pointCount 7 after update, got %+v", raw.PointCount)
	}
}

func TestDaemonStartWithOverride(t *testing.T) {
	d, _ := newTestDaemon(t)

	override := &config.RawFileConfig{
		PointCount: ptr.To(2),
		Direction:  ptr.To("BOTH"),
	}
	if err := d.StartRun(override); err != nil {
		t.Fatalf("StartRun with override returned error: %v", err)
	}

	// BOTH with 2 points walks up and back down: 3 setpoints.
	if got := d.Status().PointCount; got != 3 {
		t.Fatalf("expected 3 setpoints for a 2-point BOTH run, got %d", got)
	}

	if err := d.AbortRun("cleanup"); err != nil {
		t.Fatalf("AbortRun returned error: %v", err)
	}
}

func TestDaemonRejectsInvalidOverride(t *testing.T) {
	d, _ := newTestDaemon(t)

	override := &config.RawFileConfig{PointCount: ptr.To(1)}
	if err := d.StartRun(override); err == nil {
		t.Fatal("expected an error for a 1-point override")
	}
	if got := d.Status().State; got != calibration.StateIdle {
		t.Fatalf("rig must stay IDLE after a rejected start, got %s", got)
	}
}
