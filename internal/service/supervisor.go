package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	gocron "github.com/go-co-op/gocron/v2"
)

// Prober executes one probe run
type Prober interface {
	Run(ctx context.Context) (model.Report, error)
}

type runResult struct {
	report model.Report
	err    error
}

// Supervisor starts probe runs on demand or on a timer and publishes
// their reports.
type Supervisor struct {
	prober    Prober
	mode      string
	uploaders []model.Uploader
	timer     gocron.Scheduler
	interval  time.Duration

	trigger chan struct{}
	done    chan runResult
	wg      sync.WaitGroup
}

func NewSupervisor(ctx context.Context, cfg model.Config, prober Prober) (*Supervisor, error) {
	s := &Supervisor{
		prober:  prober,
		mode:    cfg.Service.Mode,
		trigger: make(chan struct{}, 1),
		done:    make(chan runResult, 1),
	}
	if s.mode == model.ServiceModeTimer {
		job, interval, err := timerJob(cfg.Service.Schedule)
		if err != nil {
			return nil, fmt.Errorf("timer mode: %w", err)
		}
		timer, err := newTimer(job, s.Start)
		if err != nil {
			return nil, fmt.Errorf("timer mode: %w", err)
		}
		s.timer, s.interval = timer, interval
		slog.DebugContext(ctx, "timer configured", "interval", interval.String())
	}

	uploaders, err := newUploaders(cfg.Service)
	if err != nil {
		if s.timer != nil {
			_ = s.timer.Shutdown()
		}
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}
	s.uploaders = uploaders
	return s, nil
}

// WithUploaders replaces the configured uploaders. It exists for unit
// testing.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	closeAll(ctx, s.uploaders)
	s.uploaders = uploaders
	return s
}

// Start asks for a new run. It never blocks, triggers arriving while a run
// is pending are coalesced.
func (s *Supervisor) Start() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Do serves run triggers until ctx is done. In manual mode it starts one
// run itself and returns its error once the report is published. In timer
// mode failures are logged and the loop continues. A trigger arriving while
// a run is in progress is dropped.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "supervisor started", "mode", s.mode)
	defer s.shutdown(ctx)

	if s.timer != nil {
		s.timer.Start()
		slog.InfoContext(ctx, "timer started", "interval", s.interval.String())
	}
	if s.mode == model.ServiceModeManual {
		s.Start()
	}

	busy := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if busy {
				slog.WarnContext(ctx, "run in progress, trigger dropped")
				continue
			}
			busy = true
			s.wg.Go(func() {
				report, err := s.prober.Run(ctx)
				s.done <- runResult{report: report, err: err}
			})
		case res := <-s.done:
			busy = false
			err := s.publish(ctx, res)
			if s.mode == model.ServiceModeManual {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "run failed", "error", err)
			}
		}
	}
}

// shutdown waits for the run in flight, then releases uploaders and the timer
func (s *Supervisor) shutdown(ctx context.Context) {
	s.wg.Wait()
	closeAll(ctx, s.uploaders)
	if s.timer != nil {
		if err := s.timer.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "stopping timer failed", "error", err)
		}
	}
}

func (s *Supervisor) publish(ctx context.Context, res runResult) error {
	if res.err != nil {
		return fmt.Errorf("run: %w", res.err)
	}
	raw, err := json.MarshalIndent(res.report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	raw = append(raw, '\n')
	slog.DebugContext(ctx, "publishing report", "run_id", res.report.RunID, "uploaders", len(s.uploaders))

	var errs []error
	for _, u := range s.uploaders {
		if err := u.Upload(ctx, res.report.RunID, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// timerJob turns the schedule into a gocron job definition and the interval
// between two runs
func timerJob(schedule *model.TimerSchedule) (gocron.JobDefinition, time.Duration, error) {
	switch {
	case schedule == nil:
		return nil, 0, errors.New("service.schedule is missing")
	case schedule.Cron != "":
		d, err := model.ParseCron(schedule.Cron)
		if err != nil {
			return nil, 0, fmt.Errorf("service.schedule.cron: %w", err)
		}
		return gocron.CronJob(schedule.Cron, false), d, nil
	case schedule.Duration != "":
		d, err := model.ParseISODuration(schedule.Duration)
		if err != nil {
			return nil, 0, fmt.Errorf("service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, 0, fmt.Errorf("service.schedule.duration must be positive, got %s", schedule.Duration)
		}
		return gocron.DurationJob(d), d, nil
	default:
		return nil, 0, errors.New("service.schedule needs cron or duration")
	}
}

func newTimer(job gocron.JobDefinition, start func()) (gocron.Scheduler, error) {
	timer, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	// a slow run must not pile up triggers
	_, err = timer.NewJob(job, gocron.NewTask(start), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	if err != nil {
		_ = timer.Shutdown()
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return timer, nil
}
