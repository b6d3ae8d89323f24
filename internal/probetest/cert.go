// Package probetest provides certificates and loopback servers for tests.
package probetest

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// Password protects every generated container
const Password = "changeit"

type SelfSignedCert struct {
	Der  []byte
	Cert *x509.Certificate
	Key  crypto.Signer
}

// CertBuilder generates a self-signed certificate, the zero value builds an
// RSA server certificate valid for localhost and 127.0.0.1.
type CertBuilder struct {
	algo     x509.SignatureAlgorithm
	isCA     bool
	cn       string
	notAfter time.Time
	client   bool
}

func (b CertBuilder) WithSignatureAlgorithm(algo x509.SignatureAlgorithm) CertBuilder {
	b.algo = algo
	return b
}

func (b CertBuilder) WithIsCA(isCA bool) CertBuilder {
	b.isCA = isCA
	return b
}

func (b CertBuilder) WithCommonName(cn string) CertBuilder {
	b.cn = cn
	return b
}

func (b CertBuilder) WithNotAfter(t time.Time) CertBuilder {
	b.notAfter = t
	return b
}

// WithClientAuth marks the certificate for TLS client authentication
func (b CertBuilder) WithClientAuth() CertBuilder {
	b.client = true
	return b
}

func (b CertBuilder) Generate() (SelfSignedCert, error) {
	algo := b.algo
	if algo == x509.UnknownSignatureAlgorithm {
		algo = x509.SHA256WithRSA
	}

	var key crypto.Signer
	var err error
	switch algo {
	case x509.SHA256WithRSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case x509.ECDSAWithSHA256:
		key, err = GenECPrivateKey(elliptic.P256())
	case x509.PureEd25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return SelfSignedCert{}, fmt.Errorf("unsupported signature algorithm %s", algo)
	}
	if err != nil {
		return SelfSignedCert{}, fmt.Errorf("generating key: %w", err)
	}

	pubDer, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return SelfSignedCert{}, fmt.Errorf("marshaling public key: %w", err)
	}
	ski := sha1.Sum(pubDer)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return SelfSignedCert{}, err
	}

	cn := b.cn
	if cn == "" {
		cn = "Test Cert"
	}
	notAfter := b.notAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(24 * time.Hour)
	}
	extUsage := x509.ExtKeyUsageServerAuth
	if b.client {
		extUsage = x509.ExtKeyUsageClientAuth
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"probe-lens"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{extUsage},
		BasicConstraintsValid: true,
		IsCA:                  b.isCA,
		SubjectKeyId:          ski[:],
		SignatureAlgorithm:    algo,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if b.isCA {
		template.KeyUsage |= x509.KeyUsageCertSign
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return SelfSignedCert{}, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return SelfSignedCert{}, fmt.Errorf("parsing certificate: %w", err)
	}
	return SelfSignedCert{Der: der, Cert: cert, Key: key}, nil
}

func GenSelfSignedCert() (SelfSignedCert, error) {
	return CertBuilder{}.Generate()
}

func GenECPrivateKey(curve elliptic.Curve) (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(curve, rand.Reader)
}

func (s SelfSignedCert) PublicKey() crypto.PublicKey {
	return s.Key.Public()
}

func (s SelfSignedCert) CertPEM() ([]byte, error) {
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: s.Der}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PrivKeyMarshal returns PKCS#1 for RSA, SEC 1 for ECDSA and PKCS#8 otherwise
func (s SelfSignedCert) PrivKeyMarshal() ([]byte, error) {
	switch k := s.Key.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS1PrivateKey(k), nil
	case *ecdsa.PrivateKey:
		return x509.MarshalECPrivateKey(k)
	default:
		return x509.MarshalPKCS8PrivateKey(k)
	}
}

func (s SelfSignedCert) PrivKeyPEM() ([]byte, error) {
	der, err := s.PrivKeyMarshal()
	if err != nil {
		return nil, err
	}
	var typ string
	switch s.Key.(type) {
	case *rsa.PrivateKey:
		typ = "RSA PRIVATE KEY"
	case *ecdsa.PrivateKey:
		typ = "EC PRIVATE KEY"
	default:
		typ = "PRIVATE KEY"
	}
	return pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), nil
}

// EncryptedPrivKeyPEM returns the key in the legacy encrypted PEM format
// protected by Password.
func (s SelfSignedCert) EncryptedPrivKeyPEM() ([]byte, error) {
	der, err := s.PrivKeyMarshal()
	if err != nil {
		return nil, err
	}
	typ := "PRIVATE KEY"
	switch s.Key.(type) {
	case *rsa.PrivateKey:
		typ = "RSA PRIVATE KEY"
	case *ecdsa.PrivateKey:
		typ = "EC PRIVATE KEY"
	}
	//nolint:staticcheck // legacy format is still found on disk
	block, err := x509.EncryptPEMBlock(rand.Reader, typ, der, []byte(Password), x509.PEMCipherAES256)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

func (s SelfSignedCert) PKCS12() ([]byte, error) {
	return pkcs12.Modern.Encode(s.Key, s.Cert, nil, Password)
}

// JKS returns a Java keystore with one private key entry under alias
func (s SelfSignedCert) JKS(alias string) ([]byte, error) {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(s.Key)
	if err != nil {
		return nil, err
	}
	ks := keystore.New()
	err = ks.SetPrivateKeyEntry(alias, keystore.PrivateKeyEntry{
		CreationTime: time.Now(),
		PrivateKey:   pkcs8,
		CertificateChain: []keystore.Certificate{
			{Type: "X509", Content: s.Der},
		},
	}, []byte(Password))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(Password)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s SelfSignedCert) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{s.Der},
		PrivateKey:  s.Key,
		Leaf:        s.Cert,
	}
}

// CertPool contains the certificate as the only root
func (s SelfSignedCert) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Cert)
	return pool
}
