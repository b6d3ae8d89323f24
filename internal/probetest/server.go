package probetest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// Handler serves one accepted connection, the connection is closed after
// it returns.
type Handler func(net.Conn)

// Server is a loopback TCP server stopped by the test cleanup
type Server struct {
	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  chan struct{}
}

// Serve starts a loopback server, each connection is served by h in its own
// goroutine. Cleanup closes the listener and all open connections and waits
// for the handlers.
func Serve(t testing.TB, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return serve(t, ln, h)
}

// ServeTLS is Serve with a TLS listener using cert
func ServeTLS(t testing.TB, cert SelfSignedCert, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCertificate()},
		MinVersion:   tls.VersionTLS12,
	}
	return serve(t, tls.NewListener(ln, cfg), h)
}

func serve(t testing.TB, ln net.Listener, h Handler) *Server {
	s := &Server{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.accept(h)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) accept(h Handler) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			h(conn)
		}()
	}
}

func (s *Server) Addr() netip.AddrPort {
	return addrPort(s.ln.Addr())
}

func addrPort(a net.Addr) netip.AddrPort {
	ap := a.(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	close(s.done)
	_ = s.ln.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Banner writes banner right after accept and closes the connection
func Banner(banner []byte) Handler {
	return func(conn net.Conn) {
		_, _ = conn.Write(banner)
	}
}

// Hold accepts the connection and never sends anything, it returns once
// the peer or the server closes the connection.
func Hold(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

// Respond reads the request header (up to an empty line) and writes the
// response, the connection is closed afterwards.
func Respond(response []byte) Handler {
	return func(conn net.Conn) {
		if err := ReadRequest(conn); err != nil {
			return
		}
		_, _ = conn.Write(response)
	}
}

// ReadRequest consumes lines until an empty one
func ReadRequest(conn net.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

// ClosedPort returns a loopback address nobody listens on
func ClosedPort(t testing.TB) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := addrPort(ln.Addr())
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		t.Fatalf("close: %v", err)
	}
	return addr
}
