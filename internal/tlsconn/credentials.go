package tlsconn

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"github.com/smallstep/pkcs7"
	"software.sslmate.com/src/go-pkcs12"
)

const jksMagic = 0xFEEDFEED

var ErrNoCertificate = errors.New("no certificate found")

// LoadCredential reads a client certificate with its private key. The
// container format is detected from the content: PEM, Java keystore or
// PKCS#12.
func LoadCredential(c model.Credential) (tls.Certificate, error) {
	raw, err := os.ReadFile(c.Cert)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading certificate: %w", err)
	}
	pass, err := passphrase(c)
	if err != nil {
		return tls.Certificate{}, err
	}

	switch {
	case bytes.Contains(raw, []byte("-----BEGIN ")):
		return loadPEM(c, raw, pass)
	case len(raw) >= 4 && binary.BigEndian.Uint32(raw) == jksMagic:
		return loadJKS(c.Alias, raw, pass)
	default:
		return loadPKCS12(raw, pass)
	}
}

// passphrase is read from the explicit file, the environment variable or a
// .pass file next to the key (or certificate). Missing passphrase is not an
// error, unencrypted keys don't need any.
func passphrase(c model.Credential) ([]byte, error) {
	if c.PassphraseFile != "" {
		return readPassFile(c.PassphraseFile)
	}
	if c.PassphraseEnv != "" {
		if v, ok := os.LookupEnv(c.PassphraseEnv); ok {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("passphrase variable %s is not set", c.PassphraseEnv)
	}
	for _, path := range []string{c.Key, c.Cert} {
		if path == "" {
			continue
		}
		pass, err := readPassFile(path + ".pass")
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return pass, err
	}
	return nil, nil
}

func readPassFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return bytes.TrimRight(b, "\r\n"), nil
}

func loadPEM(c model.Credential, certPEM, pass []byte) (tls.Certificate, error) {
	keyPEM := certPEM
	if c.Key != "" && filepath.Clean(c.Key) != filepath.Clean(c.Cert) {
		var err error
		keyPEM, err = os.ReadFile(c.Key)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("reading private key: %w", err)
		}
	}

	var ret tls.Certificate
	for rest := certPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			ret.Certificate = append(ret.Certificate, block.Bytes)
		}
	}
	if len(ret.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("%w in %s", ErrNoCertificate, c.Cert)
	}

	for rest := keyPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
			continue
		}
		key, err := parsePEMKey(block, pass)
		if err != nil {
			return tls.Certificate{}, err
		}
		ret.PrivateKey = key
		return withLeaf(ret)
	}
	return tls.Certificate{}, fmt.Errorf("no private key found in %s", c.Key)
}

func parsePEMKey(block *pem.Block, pass []byte) (crypto.PrivateKey, error) {
	der := block.Bytes
	//nolint:staticcheck // legacy encrypted PEM keys are still common
	if x509.IsEncryptedPEMBlock(block) {
		if len(pass) == 0 {
			return nil, errors.New("private key is encrypted, but no passphrase is configured")
		}
		var err error
		//nolint:staticcheck // legacy encrypted PEM keys are still common
		der, err = x509.DecryptPEMBlock(block, pass)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key: %w", err)
		}
	}
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		return nil, errors.New("PKCS#8 encrypted keys are not supported, use PKCS#12")
	}
	return parseKeyDER(der)
}

func parseKeyDER(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key format")
}

func loadJKS(alias string, raw, pass []byte) (tls.Certificate, error) {
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(raw), pass); err != nil {
		return tls.Certificate{}, fmt.Errorf("loading keystore: %w", err)
	}
	if alias == "" {
		for _, a := range ks.Aliases() {
			if ks.IsPrivateKeyEntry(a) {
				alias = a
				break
			}
		}
	}
	if alias == "" {
		return tls.Certificate{}, errors.New("keystore has no private key entry")
	}
	entry, err := ks.GetPrivateKeyEntry(alias, pass)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("keystore entry %s: %w", alias, err)
	}
	key, err := parseKeyDER(entry.PrivateKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	var ret tls.Certificate
	for _, c := range entry.CertificateChain {
		ret.Certificate = append(ret.Certificate, c.Content)
	}
	if len(ret.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("%w in keystore entry %s", ErrNoCertificate, alias)
	}
	ret.PrivateKey = key
	return withLeaf(ret)
}

func loadPKCS12(raw, pass []byte) (tls.Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(raw, string(pass))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decoding PKCS#12: %w", err)
	}
	ret := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, c := range chain {
		ret.Certificate = append(ret.Certificate, c.Raw)
	}
	return ret, nil
}

func withLeaf(c tls.Certificate) (tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing certificate: %w", err)
	}
	c.Leaf = leaf
	return c, nil
}

// LoadCertPool reads CA certificates from a PEM bundle, a DER certificate
// or a PKCS#7 (p7b) bundle in PEM or DER.
func LoadCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	certs, err := parseCerts(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing CA file %s: %w", path, err)
	}
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

func parseCerts(raw []byte) ([]*x509.Certificate, error) {
	var ret []*x509.Certificate
	if bytes.Contains(raw, []byte("-----BEGIN ")) {
		for rest := raw; ; {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			switch block.Type {
			case "CERTIFICATE":
				c, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, err
				}
				ret = append(ret, c)
			case "PKCS7":
				p7, err := pkcs7.Parse(block.Bytes)
				if err != nil {
					return nil, err
				}
				ret = append(ret, p7.Certificates...)
			}
		}
	} else if certs, err := x509.ParseCertificates(raw); err == nil {
		ret = certs
	} else if p7, err := pkcs7.Parse(raw); err == nil {
		ret = p7.Certificates
	}
	if len(ret) == 0 {
		return nil, ErrNoCertificate
	}
	return ret, nil
}
