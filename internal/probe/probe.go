// Package probe is the connection engine. It drives any number of probes
// to completion from a single goroutine using non-blocking sockets and
// poll(2), under a concurrency ceiling derived from the descriptor limit.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	"github.com/creasty/defaults"
)

// descriptors kept for stdio, log files and the rest of the process
const reservedDescriptors = 20

// Config of the engine, zero fields get the defaults
type Config struct {
	// Timeout bounds every probe from its first connect attempt to the end
	Timeout time.Duration `default:"10s"`
	// Concurrency is the requested ceiling of simultaneously active probes
	Concurrency int `default:"256"`
	// Retries of a failed connect, Retries=1 means two attempts
	Retries      int
	RetryDelay   time.Duration `default:"250ms"`
	PollInterval time.Duration `default:"100ms"`
	// ConnectRate limits new connections per second, 0 is unlimited
	ConnectRate     float64
	TelnetMaxCycles int `default:"64"`
	// Templates override the protocol default requests
	Templates map[string]string
}

type options struct {
	stats    model.Stats
	dial     dialFunc
	fdLimit  int
	readSize int
}

type Option func(*options)

// WithStats reports counters to s
func WithStats(s model.Stats) Option {
	return func(o *options) {
		o.stats = s
	}
}

// WithDescriptorLimit overrides the process descriptor limit used to clamp
// the concurrency ceiling.
func WithDescriptorLimit(n int) Option {
	return func(o *options) {
		o.fdLimit = n
	}
}

func withDial(d dialFunc) Option {
	return func(o *options) {
		o.dial = d
	}
}

// Scheduler runs batches of TestSpecs. Runs are serialized, a Scheduler
// can be reused for consecutive runs.
type Scheduler struct {
	cfg     Config
	opts    options
	ceiling int

	runMu sync.Mutex
	mu    sync.Mutex
	peak  int
}

func NewScheduler(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("setting defaults: %w", err)
	}
	if cfg.Timeout <= 0 || cfg.Concurrency <= 0 || cfg.Retries < 0 || cfg.RetryDelay < 0 ||
		cfg.PollInterval <= 0 || cfg.ConnectRate < 0 || cfg.TelnetMaxCycles <= 0 {
		return nil, fmt.Errorf("invalid probe configuration %+v", cfg)
	}
	for name := range cfg.Templates {
		if _, ok := LookupProtocol(name); !ok {
			return nil, fmt.Errorf("template for unknown protocol %q", name)
		}
	}

	o := options{
		dial:     dial,
		fdLimit:  descriptorLimit(),
		readSize: 16 << 10,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Scheduler{
		cfg:     cfg,
		opts:    o,
		ceiling: Ceiling(cfg.Concurrency, o.fdLimit),
	}, nil
}

// Ceiling clamps the requested concurrency to three quarters of the
// descriptor limit and to the limit minus a reserve. A limit <= 0 means
// unknown.
func Ceiling(requested, fdLimit int) int {
	c := requested
	if fdLimit > 0 {
		c = min(c, fdLimit*3/4, fdLimit-reservedDescriptors)
	}
	return max(c, 1)
}

// Ceiling returns the concurrency ceiling a run starts with
func (s *Scheduler) Ceiling() int {
	return s.ceiling
}

// PeakActive returns the highest number of simultaneously active probes
// seen by the last run.
func (s *Scheduler) PeakActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Run executes all specs and calls emit exactly once per spec, in
// completion order. Network failures are reported in the Results. When ctx
// is done, every unfinished spec gets a timeout Result and Run returns nil.
// The error is returned only when the readiness wait itself fails.
func (s *Scheduler) Run(ctx context.Context, specs []model.TestSpec, emit func(model.Result)) error {
	return s.run(ctx, specs, func(_ int, res model.Result) { emit(res) })
}

func (s *Scheduler) run(ctx context.Context, specs []model.TestSpec, emit func(int, model.Result)) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	r := newRun(s, specs, emit)
	err := r.loop(ctx)
	s.mu.Lock()
	s.peak = r.peak
	s.mu.Unlock()
	if s.opts.stats != nil {
		s.opts.stats.ObservePeakActive(r.peak)
	}
	return err
}

// RunAll is Run collecting the Results in spec order
func (s *Scheduler) RunAll(ctx context.Context, specs []model.TestSpec) ([]model.Result, error) {
	ret := make([]model.Result, len(specs))
	err := s.run(ctx, specs, func(i int, res model.Result) {
		ret[i] = res
	})
	return ret, err
}
