// Runner executes probe runs in process. It enforces "at most one run at a
// time" and keeps the most recent Report.
//
//	runner, err := NewRunner(cfg)
//	report, err := runner.Run(ctx)
//	last, ok := runner.Last()
//
// A Run started while another one is in progress returns ErrRunInProgress.
// The Report of a run cancelled by ctx still carries one Result for every
// target, the unfinished ones classified as timeouts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/log"
	"github.com/CZERTAINLY/probe-lens/internal/model"
	"github.com/CZERTAINLY/probe-lens/internal/probe"
	"github.com/CZERTAINLY/probe-lens/internal/resolve"

	"github.com/google/uuid"
)

var (
	ErrRunInProgress = errors.New("run in progress")
	ErrNoRun         = errors.New("no run finished yet")
)

type Runner struct {
	cfg       model.Config
	scheduler *probe.Scheduler
	resolver  resolve.Resolver

	running atomic.Bool
	mx      sync.RWMutex
	last    *model.Report
}

// NewRunner creates a runner for the configured targets. opts are passed to
// the probe engine.
func NewRunner(cfg model.Config, opts ...probe.Option) (*Runner, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	scheduler, err := probe.NewScheduler(EngineConfig(cfg.Probe), opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing probe engine: %w", err)
	}
	return &Runner{
		cfg:       cfg,
		scheduler: scheduler,
		resolver:  net.DefaultResolver,
	}, nil
}

// WithResolver replaces the system resolver. It exists for unit testing.
func (r *Runner) WithResolver(res resolve.Resolver) *Runner {
	r.resolver = res
	return r
}

// EngineConfig converts the probe section of the configuration
func EngineConfig(p model.Probe) probe.Config {
	return probe.Config{
		Timeout:         time.Duration(p.Timeout) * time.Second,
		Concurrency:     p.Concurrency,
		Retries:         p.Retries,
		RetryDelay:      time.Duration(p.RetryDelayMS) * time.Millisecond,
		PollInterval:    time.Duration(p.PollIntervalMS) * time.Millisecond,
		ConnectRate:     p.ConnectRate,
		TelnetMaxCycles: p.TelnetMaxCycles,
		Templates:       p.Templates,
	}
}

// Run probes all targets once and returns the Report. Results of probed
// targets come in the configuration order, followed by the targets which
// were not probed.
func (r *Runner) Run(ctx context.Context) (model.Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return model.Report{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	report := model.Report{
		RunID:   uuid.NewString(),
		Started: time.Now().UTC(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", report.RunID))
	slog.InfoContext(ctx, "run started", "targets", len(r.cfg.Targets), "ceiling", r.scheduler.Ceiling())

	specs, skipped, err := Specs(ctx, r.cfg, r.resolver)
	if err != nil {
		slog.ErrorContext(ctx, "invalid targets skipped", "error", err)
	}

	results, err := r.scheduler.RunAll(ctx, specs)
	if err != nil {
		return model.Report{}, fmt.Errorf("probing: %w", err)
	}
	report.Results = append(results, skipped...)
	report.Finished = time.Now().UTC()

	ok := 0
	for _, res := range report.Results {
		if res.OK() {
			ok++
		}
	}
	slog.InfoContext(ctx, "run finished",
		"results", len(report.Results),
		"ok", ok,
		"peak_active", r.scheduler.PeakActive(),
		"duration", report.Finished.Sub(report.Started).String(),
	)

	r.mx.Lock()
	r.last = &report
	r.mx.Unlock()
	return report, nil
}

// Last returns a copy of the most recent Report
func (r *Runner) Last() (model.Report, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.last == nil {
		return model.Report{}, ErrNoRun
	}
	ret := *r.last
	ret.Results = slices.Clone(r.last.Results)
	return ret, nil
}
