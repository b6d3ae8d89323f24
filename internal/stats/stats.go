package stats

import (
	"expvar"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/probe-lens/internal/model"
)

// Stats holds expvar-backed counters of the probe engine and publishes them
// under a common key prefix. All counters are expvar.Map and are safe for
// concurrent updates. When the standard expvar HTTP handler is registered,
// these values are available at /debug/vars.
//
// - results total / ok: every emitted Result and those without an error
// - errors: Results per error class
// - retries connect / write: local recovery attempts
// - ceiling reduced: concurrency reductions caused by descriptor exhaustion
// - ceiling peak: the highest number of simultaneously active probes
type Stats struct {
	mu      sync.Mutex
	prefix  string
	root    *expvar.Map
	results *expvar.Map
	errors  *expvar.Map
	retries *expvar.Map
	ceiling *expvar.Map
}

// New publishes new set of metrics. Registering the same metrics twice causes panic, so for tests, the prefix should be unique.
func New(prefix string) *Stats {
	root := expvar.NewMap(prefix)
	results := new(expvar.Map).Init()
	errs := new(expvar.Map).Init()
	retries := new(expvar.Map).Init()
	ceiling := new(expvar.Map).Init()

	results.Add("total", 0)
	results.Add("ok", 0)
	for _, class := range model.ErrorClasses {
		errs.Add(string(class), 0)
	}
	retries.Add("connect", 0)
	retries.Add("write", 0)
	ceiling.Add("reduced", 0)
	ceiling.Set("peak", new(expvar.Int))

	root.Set("results", results)
	root.Set("errors", errs)
	root.Set("retries", retries)
	root.Set("ceiling", ceiling)

	return &Stats{
		prefix:  prefix,
		root:    root,
		results: results,
		errors:  errs,
		retries: retries,
		ceiling: ceiling,
	}
}

func (s *Stats) IncResult(class model.ErrorClass) {
	s.results.Add("total", 1)
	if class == model.ErrNone {
		s.results.Add("ok", 1)
		return
	}
	s.errors.Add(string(class), 1)
}

func (s *Stats) IncConnectRetry() {
	s.retries.Add("connect", 1)
}

func (s *Stats) IncWriteRetry() {
	s.retries.Add("write", 1)
}

func (s *Stats) IncCeilingReduced() {
	s.ceiling.Add("reduced", 1)
}

// ObservePeakActive keeps the maximum of observed values
func (s *Stats) ObservePeakActive(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peak := s.ceiling.Get("peak").(*expvar.Int)
	if int64(n) > peak.Value() {
		peak.Set(int64(n))
	}
}

// Stats returns a name, value iterator across registered metrics. This uses expvar.Do under the hood, so is safe to be called concurrently.
// Stats are returned in an alphabetic order.
func (s *Stats) Stats() iter.Seq2[string, string] {
	stats := make(map[string]string, 6+len(model.ErrorClasses))
	for name, m := range map[string]*expvar.Map{
		"/results/": s.results,
		"/errors/":  s.errors,
		"/retries/": s.retries,
		"/ceiling/": s.ceiling,
	} {
		m.Do(func(kv expvar.KeyValue) {
			stats[name+kv.Key] = kv.Value.String()
		})
	}

	keys := slices.Sorted(maps.Keys(stats))
	return func(yield func(string, string) bool) {
		for _, key := range keys {
			if !yield(s.prefix+key, stats[key]) {
				return
			}
		}
	}
}
