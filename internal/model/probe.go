package model

import (
	"crypto/tls"
	"net/netip"
	"time"
)

// ErrorClass is a classified failure of a single probe. Raw library errors
// never reach the Result, only the class and a free form detail.
type ErrorClass string

const (
	ErrNone                      ErrorClass = ""
	ErrDNSUnresolved             ErrorClass = "dns-unresolved"
	ErrConnectionRefused         ErrorClass = "connection-refused"
	ErrUnreachable               ErrorClass = "unreachable"
	ErrConnectTimeout            ErrorClass = "connect-timeout"
	ErrTLSHandshakeFailure       ErrorClass = "tls-handshake-failure"
	ErrTLSCertificateUnavailable ErrorClass = "tls-certificate-unavailable"
	ErrWriteFailure              ErrorClass = "write-failure"
	ErrReadFailure               ErrorClass = "read-failure"
	ErrResponseTimeout           ErrorClass = "response-timeout"
	ErrProtocolFraming           ErrorClass = "protocol-framing-error"
	ErrContentMatchFailure       ErrorClass = "content-match-failure"
	ErrContentMatchUnevaluable   ErrorClass = "content-match-unevaluable"
)

// ErrorClasses lists all classes a Result can carry
var ErrorClasses = []ErrorClass{
	ErrDNSUnresolved,
	ErrConnectionRefused,
	ErrUnreachable,
	ErrConnectTimeout,
	ErrTLSHandshakeFailure,
	ErrTLSCertificateUnavailable,
	ErrWriteFailure,
	ErrReadFailure,
	ErrResponseTimeout,
	ErrProtocolFraming,
	ErrContentMatchFailure,
	ErrContentMatchUnevaluable,
}

// MatchOutcome is a result of the content expectation evaluation
type MatchOutcome string

const (
	MatchNone        MatchOutcome = ""
	MatchOK          MatchOutcome = "match"
	MatchMismatch    MatchOutcome = "mismatch"
	MatchUnevaluable MatchOutcome = "unevaluable"
)

type Transport uint8

const (
	TransportTCP Transport = iota
	TransportTLS
)

func (t Transport) String() string {
	if t == TransportTLS {
		return "tls"
	}
	return "tcp"
}

type ExpectKind uint8

const (
	ExpectRegexMatch ExpectKind = iota + 1
	ExpectRegexNoMatch
	ExpectDigest
	ExpectContentType
)

// Expectation describes the content check of a probe. Exactly one of the
// kinds is set, malformed expectations are reported as unevaluable.
type Expectation struct {
	Kind ExpectKind
	// Pattern is a regular expression for ExpectRegexMatch and ExpectRegexNoMatch
	Pattern string
	// Digest is algorithm:hex, for example sha256:e3b0c442...
	Digest string
	// DigestFile is a path to file holding the digest, used when Digest is empty
	DigestFile string
	// ContentType for ExpectContentType
	ContentType string
}

// TestSpec is an immutable description of a single check. The address is
// already resolved.
type TestSpec struct {
	ID        string
	Name      string
	Addr      netip.AddrPort
	Host      string // original host name, used for SNI and the Host header
	Transport Transport
	Protocol  string
	// Request overrides the protocol template, nil means use the template
	Request []byte
	// Path substitutes {path} in HTTP templates
	Path string
	// Method replaces GET of HTTP templates
	Method string
	Silent bool
	Source netip.Addr
	// TLSConfig is applied at the session creation, the engine clones it
	TLSConfig *tls.Config
	Expect    *Expectation
}

// PeerCert holds information extracted from an established TLS session
type PeerCert struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer,omitempty"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	CipherSuite string    `json:"cipher_suite,omitempty"`
	CipherBits  int       `json:"cipher_bits,omitempty"`
	Version     string    `json:"version,omitempty"`
}

// Result is the terminal outcome of one TestSpec
type Result struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Addr         string        `json:"addr"`
	Protocol     string        `json:"protocol,omitempty"`
	Reachable    bool          `json:"reachable"`
	Error        ErrorClass    `json:"error,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	ConnectTime  time.Duration `json:"connect_time"`
	TotalTime    time.Duration `json:"total_time"`
	Banner       string        `json:"banner,omitempty"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	ContentType  string        `json:"content_type,omitempty"`
	Body         []byte        `json:"-"`
	CertNotAfter time.Time     `json:"cert_not_after,omitzero"`
	Cert         *PeerCert     `json:"cert,omitempty"`
	Match        MatchOutcome  `json:"match,omitempty"`
	BytesRead    int64         `json:"bytes_read"`
	BytesWritten int64         `json:"bytes_written"`
	Attempts     int           `json:"attempts"`
}

// OK returns true when the target was reachable and nothing failed
func (r Result) OK() bool {
	return r.Reachable && r.Error == ErrNone
}

// Report is the document produced by one run
type Report struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Results  []Result  `json:"results"`
}
