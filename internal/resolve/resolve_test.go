package resolve_test

import (
	"context"
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/resolve"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	hosts map[string][]netip.Addr
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	addrs, ok := f.hosts[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return append([]netip.Addr(nil), addrs...), nil
}

func TestBatch(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{hosts: map[string][]netip.Addr{
		"dual.example":  {netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("192.0.2.1")},
		"v6.example":    {netip.MustParseAddr("2001:db8::2")},
		"empty.example": {},
	}}

	got := resolve.Batch(t.Context(), r, []string{
		"dual.example", "v6.example", "dual.example", "192.0.2.7", "missing.example", "empty.example",
	}, 2, time.Second)
	require.Len(t, got, 5)
	require.Equal(t, int32(4), r.calls.Load(), "duplicates and literals are not looked up")

	addr, ok := got["dual.example"].Addr()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), addr)

	addr, ok = got["v6.example"].Addr()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("2001:db8::2"), addr)

	addr, ok = got["192.0.2.7"].Addr()
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("192.0.2.7"), addr)

	require.Error(t, got["missing.example"].Err)
	_, ok = got["missing.example"].Addr()
	require.False(t, ok)
	require.ErrorIs(t, got["empty.example"].Err, resolve.ErrNoAddress)
}

func TestBatchTimeout(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{
		hosts: map[string][]netip.Addr{"slow.example": {netip.MustParseAddr("192.0.2.1")}},
		delay: time.Minute,
	}
	start := time.Now()
	got := resolve.Batch(t.Context(), r, []string{"slow.example"}, 0, 50*time.Millisecond)
	require.Less(t, time.Since(start), 10*time.Second)
	require.ErrorIs(t, got["slow.example"].Err, context.DeadlineExceeded)
}

func TestBatchCanceled(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{
		hosts: map[string][]netip.Addr{"slow.example": {netip.MustParseAddr("192.0.2.1")}},
		delay: time.Minute,
	}
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	got := resolve.Batch(ctx, r, []string{"slow.example"}, 0, 0)
	require.Error(t, got["slow.example"].Err)
}
