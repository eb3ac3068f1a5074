package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const dispatchTimeout = 20 * time.Second

// Dispatcher moves due work into the queues.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context) (int, error)
	DispatchFollowups(ctx context.Context) (int, error)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// StartJobs schedules the dispatch tasks and starts cron.
func (a *Application) StartJobs(d Dispatcher) error {
	loc := time.Local
	if l, err := time.LoadLocation(a.appConfig.System.Location); err == nil && a.appConfig.System.Location != "" {
		loc = l
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	schedule := a.appConfig.Scheduler.DispatchInterval
	if schedule == "" {
		schedule = "@every 30s"
	}
	if _, err := a.sched.AddFunc(schedule, func() {
		a.SchedDispatchScheduledTask(d)
		a.SchedDispatchFollowupTask(d)
	}); err != nil {
		zap.S().Errorf("init job error %s", err.Error())
		return err
	}

	a.sched.Start()
	return nil
}

// SchedDispatchScheduledTask enqueues scheduled messages that are due.
func (a *Application) SchedDispatchScheduledTask(d Dispatcher) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	n, err := d.DispatchScheduled(ctx)
	if err != nil {
		zap.L().Error("dispatch scheduled messages failed", zap.String("namespace", "scheduler"), zap.Error(err))
	}
	if n > 0 {
		zap.L().Info("scheduled messages dispatched", zap.String("namespace", "scheduler"), zap.Int("count", n))
	}
}

// SchedDispatchFollowupTask enqueues follow-up runs that are due.
func (a *Application) SchedDispatchFollowupTask(d Dispatcher) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	n, err := d.DispatchFollowups(ctx)
	if err != nil {
		zap.L().Error("dispatch follow-ups failed", zap.String("namespace", "scheduler"), zap.Error(err))
	}
	if n > 0 {
		zap.L().Info("follow-ups dispatched", zap.String("namespace", "scheduler"), zap.Int("count", n))
	}
}
