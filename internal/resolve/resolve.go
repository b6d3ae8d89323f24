// Package resolve turns target host names into addresses before a run.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/parallel"
)

// DefaultLimit is the number of concurrent lookups
const DefaultLimit = 32

var ErrNoAddress = errors.New("no address")

// Resolver is satisfied by *net.Resolver
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Answer is the outcome of one lookup
type Answer struct {
	Host  string
	Addrs []netip.Addr
	Err   error
}

// Addr returns the address to probe, IPv4 is preferred
func (a Answer) Addr() (netip.Addr, bool) {
	if len(a.Addrs) == 0 {
		return netip.Addr{}, false
	}
	if i := slices.IndexFunc(a.Addrs, netip.Addr.Is4); i >= 0 {
		return a.Addrs[i], true
	}
	return a.Addrs[0], true
}

// Batch resolves all distinct hosts concurrently, each lookup is bounded by
// timeout. IP literals are returned as they are. Hosts not resolved before
// ctx is done get a context error.
func Batch(ctx context.Context, r Resolver, hosts []string, limit int, timeout time.Duration) map[string]Answer {
	if r == nil {
		r = net.DefaultResolver
	}
	ret := make(map[string]Answer, len(hosts))
	var todo []string
	for _, h := range hosts {
		if _, ok := ret[h]; ok || slices.Contains(todo, h) {
			continue
		}
		if addr, err := netip.ParseAddr(h); err == nil {
			ret[h] = Answer{Host: h, Addrs: []netip.Addr{addr.Unmap()}}
			continue
		}
		todo = append(todo, h)
	}
	if len(todo) == 0 {
		return ret
	}

	lookup := func(ctx context.Context, host string) (Answer, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		addrs, err := r.LookupNetIP(ctx, "ip", host)
		if err == nil && len(addrs) == 0 {
			err = ErrNoAddress
		}
		for i := range addrs {
			addrs[i] = addrs[i].Unmap()
		}
		return Answer{Host: host, Addrs: addrs, Err: err}, nil
	}

	if limit <= 0 {
		limit = DefaultLimit
	}
	for a := range parallel.NewMap(ctx, limit, lookup).Iter(seq(todo)) {
		if a.Err != nil {
			slog.DebugContext(ctx, "host not resolved", "host", a.Host, "error", a.Err)
		}
		ret[a.Host] = a
	}
	for _, h := range todo {
		if _, ok := ret[h]; !ok {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			ret[h] = Answer{Host: h, Err: fmt.Errorf("resolving %s: %w", h, err)}
		}
	}
	return ret
}

func seq(hosts []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, h := range hosts {
			if !yield(h, nil) {
				return
			}
		}
	}
}
