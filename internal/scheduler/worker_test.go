package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/riverqueue/river"
)

type fakeEngine struct {
	triggerErr error
	sweepErr   error

	triggerCalls int
	sweepCalls   int
}

func (f *fakeEngine) TriggerDue(context.Context) (int, error) {
	f.triggerCalls++
	return 1, f.triggerErr
}

func (f *fakeEngine) TimeoutSweep(context.Context) (int, error) {
	f.sweepCalls++
	return 0, f.sweepErr
}

func TestAlarmSweepWorker(t *testing.T) {
	eng := &fakeEngine{}
	w := NewAlarmSweepWorker(eng, nil)

	if err := w.Work(context.Background(), &river.Job[AlarmSweepArgs]{}); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if eng.triggerCalls != 1 || eng.sweepCalls != 1 {
		t.Errorf("calls: trigger=%d sweep=%d, want 1 and 1", eng.triggerCalls, eng.sweepCalls)
	}
}

func TestAlarmSweepWorker_TriggerErrorSkipsSweep(t *testing.T) {
	eng := &fakeEngine{triggerErr: errors.New("db down")}
	w := NewAlarmSweepWorker(eng, nil)

	if err := w.Work(context.Background(), &river.Job[AlarmSweepArgs]{}); err == nil {
		t.Fatal("expected error")
	}
	if eng.sweepCalls != 0 {
		t.Error("sweep should not run after trigger failure; the retry covers both")
	}
}

func TestAlarmSweepWorker_SweepErrorSurfaces(t *testing.T) {
	eng := &fakeEngine{sweepErr: errors.New("db down")}
	w := NewAlarmSweepWorker(eng, nil)

	if err := w.Work(context.Background(), &river.Job[AlarmSweepArgs]{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAlarmSweepKind(t *testing.T) {
	if got := (AlarmSweepArgs{}).Kind(); got != "alarm_sweep" {
		t.Errorf("kind: got %q", got)
	}
}
