// Package tlsconn drives crypto/tls over caller owned non-blocking sockets.
//
// A Session never touches the socket. The caller feeds received ciphertext
// with Feed, sends whatever Pending returns and polls Status. Every call
// returns once the TLS engine has consumed all input and is waiting for
// more, so the caller keeps full control over readiness waiting.
package tlsconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

type Status uint8

const (
	Pending Status = iota
	Established
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ErrNoPeerCertificate is reported when the server sent no certificate
var ErrNoPeerCertificate = errors.New("peer certificate not available")

// PeerInfo is extracted from the established session
type PeerInfo struct {
	Subject     string
	Issuer      string
	NotBefore   time.Time
	NotAfter    time.Time
	CipherSuite string
	CipherBits  int
	Version     string
}

type Session struct {
	tc *tls.Conn

	mu      sync.Mutex
	cond    *sync.Cond
	in      []byte // ciphertext from the peer
	inEOF   bool
	out     []byte // ciphertext to the peer
	plain   []byte // decrypted application data
	waiting bool   // engine is blocked on empty input
	closed  bool
	exited  bool

	status  Status
	err     error
	readErr error
	state   tls.ConnectionState

	done chan struct{}
}

// NewSession starts the client handshake with cfg. The ClientHello is
// available from Pending when NewSession returns.
func NewSession(cfg *tls.Config) *Session {
	s := &Session{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	s.tc = tls.Client(memConn{s}, cfg)
	go s.run()
	s.settle()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.exited = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	err := s.tc.Handshake()
	s.mu.Lock()
	if err != nil {
		s.status, s.err = Failed, err
		s.mu.Unlock()
		return
	}
	s.status = Established
	s.state = s.tc.ConnectionState()
	s.mu.Unlock()

	buf := make([]byte, 16<<10)
	for {
		n, err := s.tc.Read(buf)
		s.mu.Lock()
		s.plain = append(s.plain, buf[:n]...)
		if err != nil {
			s.readErr = err
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// settle waits until the engine consumed all input or exited. Caller must
// not hold s.mu.
func (s *Session) settle() {
	s.mu.Lock()
	for !s.exited && !(s.waiting && len(s.in) == 0) {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Feed passes ciphertext received from the socket
func (s *Session) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	s.in = append(s.in, p...)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.settle()
}

// FeedEOF signals the peer closed the connection
func (s *Session) FeedEOF() {
	s.mu.Lock()
	s.inEOF = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.settle()
}

// Pending returns ciphertext to be sent and clears the outbox
func (s *Session) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.out
	s.out = nil
	return out
}

// Status returns the handshake status, the error is set when Failed
func (s *Session) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.err
}

// Write encrypts p, the ciphertext is available from Pending
func (s *Session) Write(p []byte) error {
	if st, _ := s.Status(); st != Established {
		return fmt.Errorf("tls session is %s", st)
	}
	_, err := s.tc.Write(p)
	return err
}

// Read returns application data decrypted so far. The error is io.EOF
// after the peer closed the session and all data were returned.
func (s *Session) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.plain
	s.plain = nil
	if len(p) > 0 {
		return p, nil
	}
	if s.readErr != nil {
		if errors.Is(s.readErr, io.EOF) {
			return nil, io.EOF
		}
		return nil, s.readErr
	}
	return nil, nil
}

// Peer returns the peer certificate details of an established session
func (s *Session) Peer() (PeerInfo, error) {
	s.mu.Lock()
	state := s.state
	status := s.status
	s.mu.Unlock()
	if status != Established {
		return PeerInfo{}, fmt.Errorf("tls session is %s", status)
	}
	if len(state.PeerCertificates) == 0 {
		return PeerInfo{}, ErrNoPeerCertificate
	}
	leaf := state.PeerCertificates[0]
	info := PeerInfo{
		Subject:     leaf.Subject.String(),
		Issuer:      leaf.Issuer.String(),
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		Version:     tls.VersionName(state.Version),
	}
	if cs, ok := LookupCipherSuite(state.CipherSuite); ok {
		info.CipherBits = cs.Bits()
	}
	return info, nil
}

// Close stops the engine goroutine, the socket is closed by the caller
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

// memConn is the net.Conn seen by crypto/tls
type memConn struct {
	s *Session
}

func (c memConn) Read(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.in) == 0 && !s.inEOF && !s.closed {
		s.waiting = true
		s.cond.Broadcast()
		s.cond.Wait()
		s.waiting = false
	}
	if s.closed {
		return 0, net.ErrClosed
	}
	if len(s.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.in)
	s.in = s.in[n:]
	return n, nil
}

func (c memConn) Write(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	s.out = append(s.out, p...)
	return len(p), nil
}

func (c memConn) Close() error {
	s := c.s
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (memConn) LocalAddr() net.Addr              { return memAddr{} }
func (memConn) RemoteAddr() net.Addr             { return memAddr{} }
func (memConn) SetDeadline(time.Time) error      { return nil }
func (memConn) SetReadDeadline(time.Time) error  { return nil }
func (memConn) SetWriteDeadline(time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem" }
