package tlsconn_test

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/probetest"
	"github.com/CZERTAINLY/probe-lens/internal/tlsconn"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pump moves bytes between the session and conn until the handshake is
// decided.
func pump(t *testing.T, conn net.Conn, s *tlsconn.Session) (tlsconn.Status, error) {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		if out := s.Pending(); len(out) > 0 {
			_, _ = conn.Write(out)
		}
		st, err := s.Status()
		if st != tlsconn.Pending {
			return st, err
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, rerr := conn.Read(buf)
		s.Feed(buf[:n])
		if rerr != nil {
			s.FeedEOF()
		}
	}
}

func dial(t *testing.T, srv *probetest.Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSession(t *testing.T) {
	t.Parallel()
	cert, err := probetest.CertBuilder{}.WithCommonName("probe.example").Generate()
	require.NoError(t, err)
	const response = "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nhello tls"
	srv := probetest.ServeTLS(t, cert, probetest.Respond([]byte(response)))
	conn := dial(t, srv)

	s := tlsconn.NewSession(&tls.Config{InsecureSkipVerify: true})
	defer s.Close()

	st, err := pump(t, conn, s)
	require.NoError(t, err)
	require.Equal(t, tlsconn.Established, st)

	peer, err := s.Peer()
	require.NoError(t, err)
	require.Contains(t, peer.Subject, "CN=probe.example")
	require.Equal(t, cert.Cert.NotAfter, peer.NotAfter)
	require.Equal(t, cert.Cert.NotBefore, peer.NotBefore)
	require.NotEmpty(t, peer.CipherSuite)
	require.GreaterOrEqual(t, peer.CipherBits, 128)
	require.Equal(t, "TLS 1.3", peer.Version)

	require.NoError(t, s.Write([]byte("GET / HTTP/1.0\r\n\r\n")))
	_, err = conn.Write(s.Pending())
	require.NoError(t, err)

	var got []byte
	buf := make([]byte, 4096)
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, rerr := conn.Read(buf)
		s.Feed(buf[:n])
		if rerr != nil {
			require.ErrorIs(t, rerr, io.EOF)
			s.FeedEOF()
		}
		p, err := s.Read()
		got = append(got, p...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if out := s.Pending(); len(out) > 0 {
			_, _ = conn.Write(out)
		}
	}
	require.Equal(t, response, string(got))
}

func TestSessionNotTLS(t *testing.T) {
	t.Parallel()
	srv := probetest.Serve(t, probetest.Banner([]byte("SSH-2.0-OpenSSH_9.6\r\n")))
	conn := dial(t, srv)

	s := tlsconn.NewSession(&tls.Config{InsecureSkipVerify: true})
	defer s.Close()

	st, err := pump(t, conn, s)
	require.Equal(t, tlsconn.Failed, st)
	require.Error(t, err)

	_, err = s.Peer()
	require.Error(t, err)
	require.Error(t, s.Write([]byte("x")))
}

func TestSessionVerifyFailure(t *testing.T) {
	t.Parallel()
	cert, err := probetest.GenSelfSignedCert()
	require.NoError(t, err)
	other, err := probetest.GenSelfSignedCert()
	require.NoError(t, err)
	srv := probetest.ServeTLS(t, cert, probetest.Hold)
	conn := dial(t, srv)

	s := tlsconn.NewSession(&tls.Config{RootCAs: other.CertPool(), ServerName: "localhost"})
	defer s.Close()

	st, err := pump(t, conn, s)
	require.Equal(t, tlsconn.Failed, st)
	var unknown x509.UnknownAuthorityError
	require.ErrorAs(t, err, &unknown)
}

func TestSessionVerified(t *testing.T) {
	t.Parallel()
	cert, err := probetest.GenSelfSignedCert()
	require.NoError(t, err)
	srv := probetest.ServeTLS(t, cert, probetest.Hold)
	conn := dial(t, srv)

	s := tlsconn.NewSession(&tls.Config{RootCAs: cert.CertPool(), ServerName: "127.0.0.1", MaxVersion: tls.VersionTLS12})
	defer s.Close()

	st, err := pump(t, conn, s)
	require.NoError(t, err)
	require.Equal(t, tlsconn.Established, st)
	peer, err := s.Peer()
	require.NoError(t, err)
	require.Equal(t, "TLS 1.2", peer.Version)
}

func TestSessionClosePending(t *testing.T) {
	t.Parallel()
	s := tlsconn.NewSession(&tls.Config{InsecureSkipVerify: true})
	require.NotEmpty(t, s.Pending(), "ClientHello")
	st, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, tlsconn.Pending, st)
	s.Close()
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "pending", tlsconn.Pending.String())
	require.Equal(t, "established", tlsconn.Established.String())
	require.Equal(t, "failed", tlsconn.Failed.String())
}
