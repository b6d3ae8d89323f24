package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	"golang.org/x/time/rate"
)

var errRunBudget = errors.New("run budget exhausted")

// run is the state of one Scheduler.Run call, it is owned by the loop
// goroutine.
type run struct {
	ctx  context.Context
	cfg  Config
	opts options
	emit func(int, model.Result)

	specs  []model.TestSpec
	queue  []*testState
	retry  []*testState
	active []*testState

	ceiling int
	peak    int
	limiter *rate.Limiter

	fds []pollFd
	buf []byte
}

func newRun(s *Scheduler, specs []model.TestSpec, emit func(int, model.Result)) *run {
	limit := rate.Inf
	if s.cfg.ConnectRate > 0 {
		limit = rate.Limit(s.cfg.ConnectRate)
	}
	return &run{
		ctx:     context.Background(),
		cfg:     s.cfg,
		opts:    s.opts,
		emit:    emit,
		specs:   specs,
		ceiling: s.ceiling,
		limiter: rate.NewLimiter(limit, 1),
		buf:     make([]byte, s.opts.readSize),
	}
}

func (r *run) pending() bool {
	return len(r.queue)+len(r.retry)+len(r.active) > 0
}

func (r *run) loop(ctx context.Context) error {
	r.ctx = ctx
	r.queue = make([]*testState, 0, len(r.specs))
	for i := range r.specs {
		r.queue = append(r.queue, newTestState(ctx, i, &r.specs[i], r.cfg))
	}
	slog.DebugContext(ctx, "run started", "probes", len(r.queue), "ceiling", r.ceiling)

	for r.pending() {
		if ctx.Err() != nil {
			r.abort(time.Now())
			return nil
		}

		now := time.Now()
		r.sweep(now)
		r.fill(now)
		r.compact()
		r.peak = max(r.peak, len(r.active))
		if !r.pending() {
			break
		}

		wait := r.wait(now)
		if len(r.active) == 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		r.fds = r.fds[:0]
		for _, st := range r.active {
			r.fds = append(r.fds, pollFd{Fd: int32(st.fd), Events: st.events()}) //nolint:gosec // descriptors fit int32
		}
		n, err := poll(r.fds, pollTimeout(wait))
		if err != nil {
			slog.ErrorContext(ctx, "readiness wait failed", "error", err)
			r.abort(time.Now())
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		now = time.Now()
		// handlers never add to the active set, the indexes stay valid
		for i, st := range r.active {
			if ev := r.fds[i].Revents; ev != 0 {
				r.advance(st, ev, now)
			}
		}
		r.compact()
	}
	return nil
}

func pollTimeout(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// fill starts waiting and queued probes while there is room under the
// ceiling and the connect rate allows. Due retries go first.
func (r *run) fill(now time.Time) {
	ceiling := r.ceiling
	for len(r.active) < r.ceiling {
		st := r.next(now)
		if st == nil {
			return
		}
		if !r.limiter.AllowN(now, 1) {
			r.putBack(st)
			return
		}
		r.start(st, now)
		if r.ceiling < ceiling {
			// exhaustion, let the active probes release descriptors first
			return
		}
	}
}

// next pops a due retry or a queued probe, nil when none can start now
func (r *run) next(now time.Time) *testState {
	for i, st := range r.retry {
		if st.phase == phaseWaiting && !now.Before(st.notBefore) {
			r.retry = append(r.retry[:i], r.retry[i+1:]...)
			return st
		}
	}
	if len(r.queue) == 0 {
		return nil
	}
	st := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return st
}

func (r *run) putBack(st *testState) {
	if st.phase == phaseWaiting {
		r.retry = append(r.retry, st)
		return
	}
	r.queue = append([]*testState{st}, r.queue...)
}

func (r *run) start(st *testState, now time.Time) {
	if !st.spec.Addr.IsValid() {
		r.finish(st, phaseError, model.ErrUnreachable, fmt.Errorf("invalid address %q", st.spec.Addr), now)
		return
	}
	r.connect(st, now)
	if st.phase == phaseConnecting {
		r.active = append(r.active, st)
	}
}

// sweep forces out every started probe past its deadline
func (r *run) sweep(now time.Time) {
	for _, st := range r.active {
		r.expire(st, now)
	}
	for _, st := range r.retry {
		r.expire(st, now)
	}
}

func (r *run) expire(st *testState, now time.Time) {
	if st.phase.terminal() || st.deadline.IsZero() || now.Before(st.deadline) {
		return
	}
	class := timeoutClass(st)
	err := st.lastErr
	if err == nil || class == model.ErrResponseTimeout {
		err = fmt.Errorf("no %s within %s", phaseGoal(st.phase), r.cfg.Timeout)
	}
	r.finish(st, phaseTimedOut, class, err, now)
}

func phaseGoal(p phase) string {
	switch p {
	case phaseConnecting, phaseWaiting, phaseQueued:
		return "connection"
	case phaseHandshaking:
		return "tls handshake"
	default:
		return "response"
	}
}

// abort finishes everything left when the run context is done
func (r *run) abort(now time.Time) {
	slog.WarnContext(r.ctx, "run aborted",
		"active", len(r.active),
		"waiting", len(r.retry),
		"queued", len(r.queue),
		"error", context.Cause(r.ctx),
	)
	for _, st := range r.active {
		r.finish(st, phaseTimedOut, timeoutClass(st), errRunBudget, now)
	}
	for _, st := range r.retry {
		r.finish(st, phaseTimedOut, timeoutClass(st), errRunBudget, now)
	}
	for _, st := range r.queue {
		r.finish(st, phaseTimedOut, model.ErrConnectTimeout, fmt.Errorf("%w before the probe started", errRunBudget), now)
	}
	r.active, r.retry, r.queue = nil, nil, nil
}

// compact keeps only live probes in the active set and waiting ones in
// the retry list.
func (r *run) compact() {
	active := r.active[:0]
	for _, st := range r.active {
		if st.phase.live() {
			active = append(active, st)
		}
	}
	clear(r.active[len(active):])
	r.active = active

	retry := r.retry[:0]
	for _, st := range r.retry {
		if st.phase == phaseWaiting {
			retry = append(retry, st)
		}
	}
	clear(r.retry[len(retry):])
	r.retry = retry
}

// wait returns how long the loop may block before something is due
func (r *run) wait(now time.Time) time.Duration {
	d := r.cfg.PollInterval
	for _, st := range r.active {
		d = min(d, st.deadline.Sub(now))
	}
	for _, st := range r.retry {
		d = min(d, st.deadline.Sub(now), st.notBefore.Sub(now))
	}
	if (len(r.queue) > 0 || len(r.retry) > 0) && len(r.active) < r.ceiling && r.limiter.Limit() != rate.Inf {
		res := r.limiter.ReserveN(now, 1)
		d = min(d, res.DelayFrom(now))
		res.CancelAt(now)
	}
	return max(d, 0)
}
