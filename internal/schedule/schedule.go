// Package schedule runs periodic reconciliation of training entries.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/roundhouse/internal/coordinator"
	"go.uber.org/zap"
)

// DefaultSpec reconciles every ten minutes.
const DefaultSpec = "*/10 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and descriptors such as @hourly, matching cron.ParseStandard.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Target is what the scheduler reconciles.
type Target interface {
	Reconcile(ctx context.Context) (*coordinator.ReconcileReport, error)
}

// Reconciler calls Target.Reconcile once at start, then on every fire of
// a cron schedule.
type Reconciler struct {
	target Target
	sched  cron.Schedule
	logger *zap.Logger
	now    func() time.Time
}

// NewReconciler parses spec; an empty spec uses DefaultSpec.
func NewReconciler(target Target, spec string, logger *zap.Logger) (*Reconciler, error) {
	if target == nil {
		return nil, fmt.Errorf("schedule: target is required")
	}
	if spec == "" {
		spec = DefaultSpec
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		target: target,
		sched:  sched,
		logger: logger.Named("schedule"),
		now:    time.Now,
	}, nil
}

// Next returns the first fire time after t.
func (r *Reconciler) Next(t time.Time) time.Time {
	return r.sched.Next(t)
}

// Run blocks until ctx is done. A failed pass is logged and the next fire
// proceeds as usual.
func (r *Reconciler) Run(ctx context.Context) error {
	r.runOnce(ctx)

	for {
		wait := r.sched.Next(r.now()).Sub(r.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	start := r.now()
	report, err := r.target.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("reconcile failed", zap.Error(err))
		}
		return
	}
	r.logger.Debug("reconcile pass",
		zap.Int("checked", report.Checked),
		zap.Int("removed", len(report.Removed)),
		zap.Duration("took", r.now().Sub(start)),
	)
}
