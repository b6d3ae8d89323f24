package probe

import (
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"
)

func (r *run) finish(st *testState, ph phase, class model.ErrorClass, err error, now time.Time) {
	r.finishWith(st, ph, class, err, model.MatchNone, now)
}

// finishWith moves the state to a terminal phase, releases its resources
// and emits the Result. A terminal state is never finished twice.
func (r *run) finishWith(st *testState, ph phase, class model.ErrorClass, err error, outcome model.MatchOutcome, now time.Time) {
	if st.phase.terminal() {
		return
	}
	st.release(ph == phaseDone)
	st.phase = ph

	res := model.Result{
		ID:           st.spec.ID,
		Name:         st.spec.Name,
		Addr:         st.spec.Addr.String(),
		Protocol:     st.proto.Name,
		Reachable:    st.reachable,
		Error:        class,
		ConnectTime:  st.connectTime,
		BytesRead:    st.bytesRead,
		BytesWritten: st.bytesWritten,
		Attempts:     st.attempts,
		Match:        outcome,
	}
	if !st.started.IsZero() {
		res.TotalTime = now.Sub(st.started)
	}
	if class != model.ErrNone && err != nil {
		res.Detail = err.Error()
	}
	if len(st.banner) > 0 {
		res.Banner = string(st.banner)
	}
	if st.http != nil && st.http.Status() != 0 {
		res.HTTPStatus = st.http.Status()
		res.ContentType = st.http.ContentType()
		if ph == phaseDone {
			res.Body = st.http.Body()
		}
	}
	if p := st.peer; p != nil {
		res.CertNotAfter = p.NotAfter
		res.Cert = &model.PeerCert{
			Subject:     p.Subject,
			Issuer:      p.Issuer,
			NotBefore:   p.NotBefore,
			NotAfter:    p.NotAfter,
			CipherSuite: p.CipherSuite,
			CipherBits:  p.CipherBits,
			Version:     p.Version,
		}
	}

	if r.opts.stats != nil {
		r.opts.stats.IncResult(class)
	}
	r.emit(st.idx, res)
}
