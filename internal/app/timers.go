package app

import (
	"context"
	"errors"

	"newsbot/internal/admin"
	"newsbot/internal/config"
	"newsbot/internal/dispatcher"
	"newsbot/internal/scheduler"
	logx "newsbot/pkg/logx"
)

const (
	TimerDispatchInterval = "dispatch.interval"
	TimerDispatchFixed    = "dispatch.fixed"
	TimerReportWeekly     = "report.weekly"
)

var scheduleActor = admin.Actor{Username: "scheduler", Surface: admin.SurfaceSchedule}

func (a *App) registerTimers(cfg *config.Config) error {
	if err := a.sched.Register(TimerDispatchInterval, cfg.Scheduler.IntervalSpec, a.dispatchJob(dispatcher.TriggerInterval)); err != nil {
		return err
	}
	if err := a.sched.Register(TimerDispatchFixed, cfg.Scheduler.FixedSpec, a.dispatchJob(dispatcher.TriggerFixed)); err != nil {
		return err
	}
	return a.sched.Register(TimerReportWeekly, cfg.Scheduler.ReportSpec, a.sendReport)
}

// dispatchJob runs one dispatch. A run dropped because another one is active
// is not a timer failure; the dispatcher already counted it. Neither is a
// firing that races shutdown.
func (a *App) dispatchJob(trigger dispatcher.Trigger) scheduler.Job {
	return func(ctx context.Context) error {
		res, err := a.admin.Fetch(ctx, scheduleActor, trigger)
		if errors.Is(err, dispatcher.ErrRunInProgress) || errors.Is(err, dispatcher.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		a.log.Info("scheduled run finished",
			logx.String("trigger", string(trigger)),
			logx.Int("delivered", res.Delivered),
			logx.Int("errors", res.Errors),
		)
		return nil
	}
}

// sendReport delivers the statistics report to report_chat or to every owner.
func (a *App) sendReport(ctx context.Context) error {
	msg, err := a.admin.Report(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, to := range reportTargets(a.cfgm.Get()) {
		if _, err := msg.Send(ctx, a.out, to); err != nil {
			a.log.Warn("report send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
