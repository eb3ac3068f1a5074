package jobs

import (
	"context"
	"time"

	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/queue"
	"go.uber.org/zap"
)

const dispatchBatch = 100

// Dispatcher moves due scheduled messages and follow-up runs into their
// queues. It is driven by the cron scheduler.
type Dispatcher struct {
	repo        Repository
	enqueue     Enqueuer
	maxAttempts int
	now         func() time.Time
}

func NewDispatcher(repo Repository, enqueue Enqueuer, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	return &Dispatcher{repo: repo, enqueue: enqueue, maxAttempts: maxAttempts, now: time.Now}
}

// DispatchScheduled enqueues every pending scheduled message whose time has
// come and marks it queued. It returns the number dispatched.
func (d *Dispatcher) DispatchScheduled(ctx context.Context) (int, error) {
	rows, err := d.repo.DueScheduled(ctx, d.now(), dispatchBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sm := range rows {
		if _, err := d.enqueue.Enqueue(QueueScheduled, ScheduledJob{TenantID: sm.TenantID, ScheduledMessageID: sm.ID}, queue.WithMaxAttempts(d.maxAttempts)); err != nil {
			return n, err
		}
		if err := d.repo.MarkScheduled(ctx, sm.ID, domain.ScheduledQueued, ""); err != nil {
			zap.L().Error("mark scheduled message queued", zap.String("scheduled_message_id", sm.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// DispatchFollowups enqueues pending automation runs that are due.
func (d *Dispatcher) DispatchFollowups(ctx context.Context) (int, error) {
	rows, err := d.repo.DueRuns(ctx, d.now(), dispatchBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range rows {
		if _, err := d.enqueue.Enqueue(QueueFollowup, FollowupJob{TenantID: run.TenantID, AutomationRunID: run.ID}, queue.WithMaxAttempts(d.maxAttempts)); err != nil {
			return n, err
		}
		if err := d.repo.MarkRun(ctx, run.ID, domain.RunQueued); err != nil {
			zap.L().Error("mark automation run queued", zap.String("automation_run_id", run.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
