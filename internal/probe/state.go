package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/framer"
	"github.com/CZERTAINLY/probe-lens/internal/log"
	"github.com/CZERTAINLY/probe-lens/internal/match"
	"github.com/CZERTAINLY/probe-lens/internal/model"
	"github.com/CZERTAINLY/probe-lens/internal/tlsconn"
)

type phase uint8

const (
	phaseQueued phase = iota
	phaseWaiting
	phaseConnecting
	phaseHandshaking
	phaseSending
	phaseReading
	phaseDone
	phaseError
	phaseTimedOut
)

func (p phase) String() string {
	switch p {
	case phaseQueued:
		return "queued"
	case phaseWaiting:
		return "waiting"
	case phaseConnecting:
		return "connecting"
	case phaseHandshaking:
		return "handshaking"
	case phaseSending:
		return "sending"
	case phaseReading:
		return "reading"
	case phaseDone:
		return "done"
	case phaseError:
		return "error"
	case phaseTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

func (p phase) terminal() bool {
	return p >= phaseDone
}

// live phases own a socket and sit in the active set
func (p phase) live() bool {
	return p >= phaseConnecting && p <= phaseReading
}

// handler advances a state whose socket reported the events
type handler func(r *run, st *testState, ev int16, now time.Time)

var handlers = [...]handler{
	phaseConnecting:  (*run).onConnect,
	phaseHandshaking: (*run).onHandshake,
	phaseSending:     (*run).onSend,
	phaseReading:     (*run).onRead,
}

// testState is the mutable record of one spec in flight. It owns at most
// one socket and one TLS session, both released by release.
type testState struct {
	idx   int
	spec  *model.TestSpec
	proto Protocol
	phase phase

	fd   int
	sess *tlsconn.Session

	request []byte
	queued  bool
	outbox  []byte

	started      time.Time
	deadline     time.Time
	attemptStart time.Time
	notBefore    time.Time
	connectTime  time.Duration
	reachable    bool

	attempts     int
	retries      int
	writeRetried bool
	lastClass    model.ErrorClass
	lastErr      error

	bytesRead    int64
	bytesWritten int64

	telnetMax int
	telnet    *framer.Telnet
	http      *framer.HTTP
	matcher   *match.Matcher
	banner    []byte
	peer      *tlsconn.PeerInfo
}

func newTestState(ctx context.Context, idx int, spec *model.TestSpec, cfg Config) *testState {
	proto, ok := LookupProtocol(spec.Protocol)
	if !ok {
		slog.DebugContext(ctx, "unknown protocol, probing as tcp", "protocol", spec.Protocol, "addr", spec.Addr)
		proto = protocols["tcp"]
	}
	st := &testState{
		idx:       idx,
		spec:      spec,
		proto:     proto,
		fd:        -1,
		telnetMax: cfg.TelnetMaxCycles,
	}

	switch {
	case spec.Request != nil:
		st.request = spec.Request
	default:
		tmpl := proto.Template
		if t, ok := cfg.Templates[proto.Name]; ok {
			tmpl = t
		}
		host := spec.Host
		if host == "" {
			host = spec.Addr.Addr().String()
		}
		if tmpl != "" {
			st.request = expandTemplate(tmpl, host, spec.Path)
		}
		if proto.HTTP && spec.Method != "" {
			if rest, ok := bytes.CutPrefix(st.request, []byte("GET ")); ok {
				st.request = append([]byte(spec.Method+" "), rest...)
			}
		}
	}

	if spec.Expect != nil {
		m, err := match.New(spec.Expect)
		if err != nil {
			slog.ErrorContext(st.logContext(ctx), "malformed expectation", "error", err)
		}
		st.matcher = m
	}
	st.resetFraming()
	return st
}

// resetFraming prepares framers for a fresh connection
func (st *testState) resetFraming() {
	st.outbox = nil
	st.queued = false
	st.banner = nil
	st.telnet = nil
	st.http = nil
	if st.proto.Telnet {
		st.telnet = framer.NewTelnet(st.telnetMax)
	}
	if st.matcher != nil && st.matcher.Streaming() {
		// digest state must not carry bytes of the failed connection
		st.matcher, _ = match.New(st.spec.Expect)
	}
	if st.proto.HTTP {
		var opts []framer.HTTPOption
		if isHeadRequest(st.request) {
			opts = append(opts, framer.WithHeadRequest())
		}
		if st.matcher != nil && st.matcher.Streaming() {
			m := st.matcher
			opts = append(opts, framer.WithBodyWriter(func(p []byte) {
				_, _ = m.Write(p)
			}))
		}
		st.http = framer.NewHTTP(opts...)
	}
}

func (st *testState) logContext(ctx context.Context) context.Context {
	return log.ContextAttrs(ctx,
		slog.String("target", st.spec.Name),
		slog.String("addr", st.spec.Addr.String()),
		slog.String("protocol", st.proto.Name),
	)
}

// events returns the readiness the state waits for
func (st *testState) events() int16 {
	switch st.phase {
	case phaseConnecting, phaseSending:
		return pollOut
	default:
		ev := int16(pollIn)
		if len(st.outbox) > 0 {
			ev |= pollOut
		}
		return ev
	}
}

func (st *testState) tlsConfig() *tls.Config {
	if st.spec.TLSConfig != nil {
		return st.spec.TLSConfig.Clone()
	}
	return &tls.Config{
		ServerName:         st.spec.Host,
		InsecureSkipVerify: true, //nolint:gosec // the probe reports what the server presents
	}
}

// release closes the TLS session and the socket, a graceful release
// half-closes the read side first.
func (st *testState) release(graceful bool) {
	if st.sess != nil {
		st.sess.Close()
		st.sess = nil
	}
	if st.fd >= 0 {
		if graceful {
			_ = shutdownRead(st.fd)
		}
		_ = closeFd(st.fd)
		st.fd = -1
	}
}

func (r *run) advance(st *testState, ev int16, now time.Time) {
	if !st.phase.live() {
		return
	}
	handlers[st.phase](r, st, ev, now)
}

// connect starts a new connection attempt. On success the state is
// Connecting, otherwise it is either waiting for a retry or terminal.
func (r *run) connect(st *testState, now time.Time) {
	if st.started.IsZero() {
		st.started = now
		st.deadline = now.Add(r.cfg.Timeout)
	}
	st.attemptStart = now
	fd, err := r.opts.dial(st.spec.Addr, st.spec.Source)
	if err != nil && exhausted(err) {
		r.deferState(st, err, now)
		return
	}
	st.attempts++
	if err != nil {
		r.connectFailed(st, err, now)
		return
	}
	st.fd = fd
	st.phase = phaseConnecting
}

// deferState handles descriptor exhaustion: the ceiling drops to what is
// active right now and the state waits without consuming a retry.
func (r *run) deferState(st *testState, err error, now time.Time) {
	active := 0
	for _, a := range r.active {
		if a != st && a.phase.live() {
			active++
		}
	}
	ceiling := max(1, active)
	if ceiling < r.ceiling {
		slog.WarnContext(r.ctx, "descriptor exhaustion, reducing concurrency",
			"cause", exhaustionCause(err),
			"ceiling", ceiling,
			"previous", r.ceiling,
			"error", err,
		)
		r.ceiling = ceiling
		if r.opts.stats != nil {
			r.opts.stats.IncCeilingReduced()
		}
	} else {
		slog.DebugContext(st.logContext(r.ctx), "descriptor exhaustion, probe deferred", "cause", exhaustionCause(err))
	}
	st.lastClass, st.lastErr = model.ErrUnreachable, err
	st.phase = phaseWaiting
	st.notBefore = now.Add(max(r.cfg.RetryDelay, r.cfg.PollInterval))
	r.retry = append(r.retry, st)
}

func (r *run) connectFailed(st *testState, err error, now time.Time) {
	st.release(false)
	class := classifyConnect(err)
	st.lastClass, st.lastErr = class, err
	if st.retries < r.cfg.Retries && now.Add(r.cfg.RetryDelay).Before(st.deadline) {
		st.retries++
		if r.opts.stats != nil {
			r.opts.stats.IncConnectRetry()
		}
		st.phase = phaseWaiting
		st.notBefore = now.Add(r.cfg.RetryDelay)
		r.retry = append(r.retry, st)
		return
	}
	slog.WarnContext(st.logContext(r.ctx), "connect retries exhausted",
		"attempts", st.attempts,
		"class", class,
		"error", err,
	)
	r.finish(st, phaseError, class, err, now)
}

func classifyConnect(err error) model.ErrorClass {
	switch {
	case refused(err):
		return model.ErrConnectionRefused
	case timedOut(err):
		return model.ErrConnectTimeout
	default:
		return model.ErrUnreachable
	}
}

func (r *run) onConnect(st *testState, _ int16, now time.Time) {
	if err := connectError(st.fd); err != nil {
		r.connectFailed(st, err, now)
		return
	}
	r.connected(st, now)
}

func (r *run) connected(st *testState, now time.Time) {
	st.connectTime = now.Sub(st.attemptStart)
	st.reachable = true

	if st.spec.Silent {
		_ = shutdownWrite(st.fd)
		r.done(st, now)
		return
	}

	if st.spec.Transport == model.TransportTLS {
		st.sess = tlsconn.NewSession(st.tlsConfig())
		st.phase = phaseHandshaking
		st.outbox = append(st.outbox, st.sess.Pending()...)
		if err := r.flush(st); err != nil {
			r.finish(st, phaseError, model.ErrTLSHandshakeFailure, err, now)
		}
		return
	}

	if st.proto.Quiet && st.request == nil {
		r.done(st, now)
		return
	}
	r.startSending(st, now)
}

func (r *run) onHandshake(st *testState, ev int16, now time.Time) {
	if ev&pollIn != 0 || ev&pollErr != 0 {
		n, err := sockRead(st.fd, r.buf)
		switch {
		case n > 0:
			st.bytesRead += int64(n)
			st.sess.Feed(r.buf[:n])
		case err != nil && wouldBlock(err):
		default:
			st.sess.FeedEOF()
		}
	}
	st.outbox = append(st.outbox, st.sess.Pending()...)

	status, herr := st.sess.Status()
	switch status {
	case tlsconn.Failed:
		slog.InfoContext(st.logContext(r.ctx), "tls handshake failed", "error", herr)
		r.finish(st, phaseError, model.ErrTLSHandshakeFailure, herr, now)
		return
	case tlsconn.Established:
		peer, err := st.sess.Peer()
		if err != nil {
			r.finish(st, phaseError, model.ErrTLSCertificateUnavailable, err, now)
			return
		}
		st.peer = &peer
		slog.DebugContext(st.logContext(r.ctx), "tls established",
			"version", peer.Version,
			"cipher", peer.CipherSuite,
			"not_after", peer.NotAfter,
		)
		if st.proto.Quiet && st.request == nil {
			// the Finished message goes out before close
			_ = r.flush(st)
			r.done(st, now)
			return
		}
		r.startSending(st, now)
		return
	}

	if err := r.flush(st); err != nil {
		r.finish(st, phaseError, model.ErrTLSHandshakeFailure, err, now)
	}
}

// startSending queues the request, it is entered directly from the
// connect or handshake completion.
func (r *run) startSending(st *testState, now time.Time) {
	st.phase = phaseSending
	if !st.queued {
		st.queued = true
		if len(st.request) > 0 {
			if err := r.queueWrite(st, st.request); err != nil {
				r.finish(st, phaseError, model.ErrWriteFailure, err, now)
				return
			}
		}
	}
	r.onSend(st, pollOut, now)
}

func (r *run) onSend(st *testState, _ int16, now time.Time) {
	if err := r.flush(st); err != nil {
		r.writeFailed(st, err, now)
		return
	}
	if len(st.outbox) == 0 {
		st.phase = phaseReading
		r.drain(st, now)
	}
}

// writeFailed reconnects from scratch once when time remains
func (r *run) writeFailed(st *testState, err error, now time.Time) {
	if st.writeRetried || !now.Add(r.cfg.RetryDelay).Before(st.deadline) {
		r.finish(st, phaseError, model.ErrWriteFailure, err, now)
		return
	}
	st.writeRetried = true
	if r.opts.stats != nil {
		r.opts.stats.IncWriteRetry()
	}
	slog.DebugContext(st.logContext(r.ctx), "write failed, reconnecting", "error", err)
	st.release(false)
	st.peer = nil
	st.reachable = false
	st.resetFraming()
	r.connect(st, now)
}

func (r *run) onRead(st *testState, ev int16, now time.Time) {
	if ev&pollOut != 0 && len(st.outbox) > 0 {
		if err := r.flush(st); err != nil {
			r.finish(st, phaseError, model.ErrWriteFailure, err, now)
			return
		}
	}
	if ev&pollIn == 0 && ev&pollErr == 0 {
		return
	}

	n, err := sockRead(st.fd, r.buf)
	if n > 0 {
		st.bytesRead += int64(n)
	}

	if st.sess != nil {
		switch {
		case n > 0:
			st.sess.Feed(r.buf[:n])
		case err != nil && wouldBlock(err):
			return
		default:
			st.sess.FeedEOF()
		}
		st.outbox = append(st.outbox, st.sess.Pending()...)
		r.drain(st, now)
		return
	}

	switch {
	case n > 0:
		r.received(st, r.buf[:n], false, nil, now)
	case err == nil:
		r.received(st, nil, true, nil, now)
	case wouldBlock(err):
	default:
		r.received(st, nil, false, err, now)
	}
}

// drain passes everything the TLS session has decrypted so far to
// received. Records which came in the same read as the last handshake
// flight or together with close_notify produce no further readiness.
func (r *run) drain(st *testState, now time.Time) {
	for st.sess != nil && st.phase == phaseReading {
		data, err := st.sess.Read()
		if len(data) == 0 && err == nil {
			return
		}
		// any error after the handshake ends the stream
		r.received(st, data, err != nil, nil, now)
	}
}

// received runs inbound application data through the telnet filter and
// the HTTP framer. Plain TCP completes with the first data.
func (r *run) received(st *testState, data []byte, eof bool, rerr error, now time.Time) {
	if len(data) > 0 && st.telnet != nil {
		banner, reply, err := st.telnet.Filter(data)
		if err != nil {
			r.finish(st, phaseError, model.ErrProtocolFraming, err, now)
			return
		}
		if len(reply) > 0 {
			if err := r.queueWrite(st, reply); err != nil {
				r.finish(st, phaseError, model.ErrWriteFailure, err, now)
				return
			}
			if err := r.flush(st); err != nil {
				r.finish(st, phaseError, model.ErrWriteFailure, err, now)
				return
			}
		}
		data = banner
	}

	if st.http != nil {
		if len(data) > 0 {
			done, err := st.http.Feed(data)
			if err != nil {
				r.finish(st, phaseError, model.ErrProtocolFraming, err, now)
				return
			}
			if done {
				r.done(st, now)
				return
			}
		}
		if rerr != nil {
			r.finish(st, phaseError, model.ErrReadFailure, rerr, now)
			return
		}
		if eof {
			_, err := st.http.Close()
			switch {
			case errors.Is(err, framer.ErrNoResponse):
				r.finish(st, phaseError, model.ErrReadFailure, err, now)
			case err != nil:
				r.finish(st, phaseError, model.ErrProtocolFraming, err, now)
			default:
				r.done(st, now)
			}
		}
		return
	}

	if len(data) > 0 {
		st.banner = append(st.banner, data...)
		r.done(st, now)
		return
	}
	if rerr != nil {
		r.finish(st, phaseError, model.ErrReadFailure, rerr, now)
		return
	}
	if eof {
		r.done(st, now)
	}
}

// queueWrite puts application data to the outbox, encrypted for TLS
func (r *run) queueWrite(st *testState, p []byte) error {
	if st.sess == nil {
		st.outbox = append(st.outbox, p...)
		return nil
	}
	if err := st.sess.Write(p); err != nil {
		return err
	}
	st.outbox = append(st.outbox, st.sess.Pending()...)
	return nil
}

// flush writes the outbox until the socket would block
func (r *run) flush(st *testState) error {
	for len(st.outbox) > 0 {
		n, err := sockWrite(st.fd, st.outbox)
		if n > 0 {
			st.bytesWritten += int64(n)
			st.outbox = st.outbox[n:]
		}
		if err != nil {
			if wouldBlock(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	st.outbox = nil
	return nil
}

// done is the normal completion, the expectation is evaluated here only
func (r *run) done(st *testState, now time.Time) {
	class := model.ErrNone
	var outcome model.MatchOutcome
	if st.matcher != nil {
		body, contentType := st.banner, ""
		if st.http != nil {
			body, contentType = st.http.Body(), st.http.ContentType()
		}
		outcome = st.matcher.Evaluate(body, contentType)
		switch outcome {
		case model.MatchMismatch:
			class = model.ErrContentMatchFailure
		case model.MatchUnevaluable:
			class = model.ErrContentMatchUnevaluable
		}
	}
	var err error
	if class == model.ErrContentMatchUnevaluable {
		err = st.matcher.Err()
	}
	r.finishWith(st, phaseDone, class, err, outcome, now)
}

// timeoutClass classifies a state forced out by its deadline
func timeoutClass(st *testState) model.ErrorClass {
	switch st.phase {
	case phaseQueued, phaseWaiting, phaseConnecting:
		if st.lastClass != model.ErrNone {
			return st.lastClass
		}
		return model.ErrConnectTimeout
	default:
		return model.ErrResponseTimeout
	}
}
