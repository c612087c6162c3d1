package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// AlarmSweepArgs is the periodic job that drives the alarm clock: flip due
// alarms to ringing, then forfeit the ones whose window ran out.
type AlarmSweepArgs struct{}

func (AlarmSweepArgs) Kind() string { return "alarm_sweep" }

// InsertOpts dedupes sweeps: with several API instances inserting the
// periodic job, only one runs per period.
func (AlarmSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByPeriod: time.Minute},
	}
}

// SweepEngine is the contract the worker needs from the escrow engine.
type SweepEngine interface {
	TriggerDue(ctx context.Context) (int, error)
	TimeoutSweep(ctx context.Context) (int, error)
}

type AlarmSweepWorker struct {
	river.WorkerDefaults[AlarmSweepArgs]
	engine SweepEngine
	log    *slog.Logger
}

func NewAlarmSweepWorker(engine SweepEngine, log *slog.Logger) *AlarmSweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &AlarmSweepWorker{engine: engine, log: log}
}

// Work triggers before it times out, so an alarm due more than a window ago
// still rings once instead of silently failing.
func (w *AlarmSweepWorker) Work(ctx context.Context, _ *river.Job[AlarmSweepArgs]) error {
	triggered, err := w.engine.TriggerDue(ctx)
	if err != nil {
		return fmt.Errorf("trigger due alarms: %w", err)
	}
	forfeited, err := w.engine.TimeoutSweep(ctx)
	if err != nil {
		return fmt.Errorf("timeout sweep: %w", err)
	}
	if triggered > 0 || forfeited > 0 {
		w.log.Info("alarm sweep", "triggered", triggered, "forfeited", forfeited)
	}
	return nil
}

// PeriodicJobs is the schedule handed to river.Config.
func PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(time.Minute),
			func() (river.JobArgs, *river.InsertOpts) {
				return AlarmSweepArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
