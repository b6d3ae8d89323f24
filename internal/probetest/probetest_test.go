package probetest_test

import (
	"bytes"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"testing"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/probetest"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

func TestGenSelfSignedCert(t *testing.T) {
	t.Parallel()
	selfSigned, err := probetest.GenSelfSignedCert()
	require.NoError(t, err)

	require.Equal(t, "Test Cert", selfSigned.Cert.Subject.CommonName)
	require.True(t, selfSigned.Cert.BasicConstraintsValid)
	require.Equal(t, x509.KeyUsageKeyEncipherment|x509.KeyUsageDigitalSignature, selfSigned.Cert.KeyUsage)
	require.Contains(t, selfSigned.Cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	require.Len(t, selfSigned.Cert.SubjectKeyId, 20)
	_, ok := selfSigned.Key.(*rsa.PrivateKey)
	require.True(t, ok)

	certPEM, err := selfSigned.CertPEM()
	require.NoError(t, err)
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	require.Equal(t, selfSigned.Der, block.Bytes)
}

func TestPrivKeyPEM(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    x509.SignatureAlgorithm
		then     string
	}{
		{"RSA", x509.SHA256WithRSA, "RSA PRIVATE KEY"},
		{"ECDSA", x509.ECDSAWithSHA256, "EC PRIVATE KEY"},
		{"Ed25519", x509.PureEd25519, "PRIVATE KEY"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cert, err := probetest.CertBuilder{}.WithSignatureAlgorithm(tc.given).Generate()
			require.NoError(t, err)
			pemBytes, err := cert.PrivKeyPEM()
			require.NoError(t, err)
			block, _ := pem.Decode(pemBytes)
			require.NotNil(t, block)
			require.Equal(t, tc.then, block.Type)

			_, err = tls.X509KeyPair(mustPEM(t, cert), pemBytes)
			require.NoError(t, err)
		})
	}
}

func mustPEM(t *testing.T, cert probetest.SelfSignedCert) []byte {
	t.Helper()
	b, err := cert.CertPEM()
	require.NoError(t, err)
	return b
}

func TestContainers(t *testing.T) {
	t.Parallel()
	cert, err := probetest.GenSelfSignedCert()
	require.NoError(t, err)

	p12, err := cert.PKCS12()
	require.NoError(t, err)
	key, leaf, _, err := pkcs12.DecodeChain(p12, probetest.Password)
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Equal(t, cert.Der, leaf.Raw)

	jks, err := cert.JKS("probe")
	require.NoError(t, err)
	ks := keystore.New()
	require.NoError(t, ks.Load(bytes.NewReader(jks), []byte(probetest.Password)))
	entry, err := ks.GetPrivateKeyEntry("probe", []byte(probetest.Password))
	require.NoError(t, err)
	require.Len(t, entry.CertificateChain, 1)
	require.Equal(t, cert.Der, entry.CertificateChain[0].Content)

	enc, err := cert.EncryptedPrivKeyPEM()
	require.NoError(t, err)
	block, _ := pem.Decode(enc)
	require.NotNil(t, block)
	//nolint:staticcheck // legacy format
	require.True(t, x509.IsEncryptedPEMBlock(block))
}

func TestServer(t *testing.T) {
	t.Parallel()
	srv := probetest.Serve(t, probetest.Banner([]byte("SSH-2.0-test\r\n")))

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "SSH-2.0-test\r\n", string(got))
}

func TestServeTLS(t *testing.T) {
	t.Parallel()
	cert, err := probetest.GenSelfSignedCert()
	require.NoError(t, err)
	srv := probetest.ServeTLS(t, cert, probetest.Respond([]byte("HTTP/1.0 200 OK\r\n\r\nhello")))

	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{RootCAs: cert.CertPool(), ServerName: "localhost"})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.0 200 OK\r\n\r\nhello", string(got))
}

func TestClosedPort(t *testing.T) {
	t.Parallel()
	addr := probetest.ClosedPort(t)
	_, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	require.Error(t, err)
}
