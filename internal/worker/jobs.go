package worker

import (
	"context"
	"time"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/pkg/logger"
	"github.com/portal28/academy/internal/segmentation"
)

const (
	SegmentJobName   = "segment-evaluation"
	SchedulerJobName = "automation-scheduler"
)

// SegmentEvaluator is the part of segmentation.Engine the worker drives.
type SegmentEvaluator interface {
	EvaluateAll(ctx context.Context) (*segmentation.BatchResult, error)
}

// StepRunner is the part of automation.Scheduler the worker drives.
type StepRunner interface {
	RunOnce(ctx context.Context) (*automation.RunResult, error)
}

// SegmentJob re-evaluates every active segment. Per-segment failures are
// logged and do not fail the tick.
func SegmentJob(engine SegmentEvaluator, interval time.Duration) Job {
	log := logger.With("job", SegmentJobName)
	return Job{
		Name:     SegmentJobName,
		Interval: interval,
		Run: func(ctx context.Context) error {
			batch, err := engine.EvaluateAll(ctx)
			if err != nil {
				return err
			}
			entered, exited := 0, 0
			for _, r := range batch.Results {
				entered += len(r.Entered)
				exited += len(r.Exited)
			}
			for _, f := range batch.Failures {
				log.Warn("segment evaluation failed", "segment_id", f.SegmentID, "err", f.Error)
			}
			log.Info("segments evaluated",
				"segments", len(batch.Results), "failures", len(batch.Failures),
				"entered", entered, "exited", exited)
			return nil
		},
	}
}

// SchedulerJob delivers due automation steps.
func SchedulerJob(scheduler StepRunner, interval time.Duration) Job {
	log := logger.With("job", SchedulerJobName)
	return Job{
		Name:     SchedulerJobName,
		Interval: interval,
		Run: func(ctx context.Context) error {
			res, err := scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			if res.Processed > 0 {
				log.Info("scheduler run",
					"processed", res.Processed, "sent", res.Sent, "failed", res.Failed,
					"skipped", res.Skipped, "repaired", res.Repaired, "completed", res.Completed,
					"duration_ms", res.DurationMs)
			}
			return nil
		},
	}
}
