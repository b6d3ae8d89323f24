package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"
	"github.com/CZERTAINLY/probe-lens/internal/probe"
	"github.com/CZERTAINLY/probe-lens/internal/resolve"
	"github.com/CZERTAINLY/probe-lens/internal/tlsconn"

	"github.com/google/uuid"
)

// Specs turns the configured targets into TestSpecs. Host names are
// resolved first. Targets which are not probed still get a Result:
// dns-unresolved when the host does not resolve, content-match-unevaluable
// when the target itself is invalid. The error reports invalid targets.
func Specs(ctx context.Context, cfg model.Config, r resolve.Resolver) ([]model.TestSpec, []model.Result, error) {
	hosts := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		hosts = append(hosts, t.Host)
	}
	answers := resolve.Batch(ctx, r, hosts, resolve.DefaultLimit, time.Duration(cfg.Probe.Timeout)*time.Second)

	var (
		specs   = make([]model.TestSpec, 0, len(cfg.Targets))
		skipped []model.Result
		errs    []error
	)
	for i, t := range cfg.Targets {
		spec, err := newSpec(t, cfg.Probe.TLS)
		if err != nil {
			errs = append(errs, fmt.Errorf("target #%d %s: %w", i, targetName(t), err))
			skipped = append(skipped, model.Result{
				ID:       targetID(t.Host, t.Port, t.Protocol),
				Name:     targetName(t),
				Addr:     net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
				Protocol: t.Protocol,
				Error:    model.ErrContentMatchUnevaluable,
				Detail:   "invalid target: " + err.Error(),
			})
			continue
		}
		answer := answers[t.Host]
		addr, ok := answer.Addr()
		if !ok {
			detail := "no address"
			if answer.Err != nil {
				detail = answer.Err.Error()
			}
			slog.InfoContext(ctx, "target not resolved", "target", spec.Name, "host", t.Host, "error", answer.Err)
			skipped = append(skipped, model.Result{
				ID:       spec.ID,
				Name:     spec.Name,
				Addr:     net.JoinHostPort(t.Host, strconv.Itoa(int(spec.Addr.Port()))),
				Protocol: spec.Protocol,
				Error:    model.ErrDNSUnresolved,
				Detail:   detail,
			})
			continue
		}
		spec.Addr = netip.AddrPortFrom(addr, spec.Addr.Port())
		specs = append(specs, spec)
	}
	return specs, skipped, errors.Join(errs...)
}

// newSpec builds the TestSpec without the resolved address, only its port
// is set.
func newSpec(t model.Target, presets model.TLSPresets) (model.TestSpec, error) {
	proto, ok := probe.LookupProtocol(t.Protocol)
	if !ok {
		return model.TestSpec{}, fmt.Errorf("unknown protocol %q", t.Protocol)
	}
	port := t.Port
	if port == 0 {
		port = proto.Port
	}
	if port <= 0 || port > 65535 {
		return model.TestSpec{}, fmt.Errorf("port is required for protocol %s", proto.Name)
	}

	spec := model.TestSpec{
		ID:       targetID(t.Host, port, proto.Name),
		Name:     t.Name,
		Addr:     netip.AddrPortFrom(netip.Addr{}, uint16(port)),
		Host:     t.Host,
		Protocol: proto.Name,
		Path:     t.Path,
		Method:   t.Method,
		Silent:   t.Silent,
	}
	if spec.Name == "" {
		spec.Name = t.Host + ":" + strconv.Itoa(port)
	}
	if t.Request != "" {
		spec.Request = []byte(t.Request)
	}
	if t.Source != "" {
		src, err := netip.ParseAddr(t.Source)
		if err != nil {
			return model.TestSpec{}, fmt.Errorf("parsing source: %w", err)
		}
		spec.Source = src
	}
	if t.Expect != nil {
		spec.Expect = t.Expect.Expectation()
	}
	if t.TLS || proto.TLS || t.TLSOptions != nil {
		cfg, err := tlsconn.NewConfig(t.Host, t.TLSOptions, presets)
		if err != nil {
			return model.TestSpec{}, fmt.Errorf("tls options: %w", err)
		}
		spec.Transport = model.TransportTLS
		spec.TLSConfig = cfg
	}
	return spec, nil
}

// targetID is stable across runs for the same host, port and protocol
func targetID(host string, port int, protocol string) string {
	key := protocol + "://" + host + ":" + strconv.Itoa(port)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func targetName(t model.Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Host
}
