package tlsconn

import (
	"crypto/tls"
	"fmt"
	"slices"
	"strings"
)

type KeyExchangeAlgorithm string

const (
	KexNone  KeyExchangeAlgorithm = "" // TLS 1.3
	KexDHE   KeyExchangeAlgorithm = "DHE"
	KexECDHE KeyExchangeAlgorithm = "ECDHE"
	KexRSA   KeyExchangeAlgorithm = "RSA"
)

type CipherAlgorithm string

const (
	CipherUnknown  CipherAlgorithm = "UNKNOWN"
	CipherRC4      CipherAlgorithm = "RC4"
	Cipher3DES     CipherAlgorithm = "3DES"
	CipherAES      CipherAlgorithm = "AES"
	CipherCHACHA20 CipherAlgorithm = "CHACHA20"
)

type CipherMode string

const (
	CipherModeEmpty    CipherMode = ""
	CipherModeCBC      CipherMode = "CBC"
	CipherModeEDE_CBC  CipherMode = "EDE_CBC"
	CipherModeGCM      CipherMode = "GCM"
	CipherModePOLY1305 CipherMode = "POLY1305"
)

// CipherSuite is a decomposed IANA cipher suite name
type CipherSuite struct {
	ID       uint16
	Name     string
	Exchange KeyExchangeAlgorithm
	Auth     string
	Cipher   CipherAlgorithm
	KeyLen   int
	Mode     CipherMode
	Hash     string
	Insecure bool
}

// Bits returns the strength of the symmetric cipher in bits
func (c CipherSuite) Bits() int {
	if c.Cipher == Cipher3DES {
		// three keys, meet-in-the-middle
		return 112
	}
	return c.KeyLen
}

// AEAD reports whether the record protection is authenticated encryption
func (c CipherSuite) AEAD() bool {
	return c.Mode == CipherModeGCM || c.Mode == CipherModePOLY1305
}

// ForwardSecret reports whether the key exchange is ephemeral
func (c CipherSuite) ForwardSecret() bool {
	return c.Exchange != KexRSA
}

var _fallbackNames = map[string]string{
	// defined in Go crypto/tls
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305": "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305":   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	// openssl compat names for TLS 1.3
	"TLS_AKE_WITH_AES_128_GCM_SHA256":       "TLS_AES_128_GCM_SHA256",
	"TLS_AKE_WITH_AES_256_GCM_SHA384":       "TLS_AES_256_GCM_SHA384",
	"TLS_AKE_WITH_CHACHA20_POLY1305_SHA256": "TLS_CHACHA20_POLY1305_SHA256",
}

var (
	byID   = map[uint16]CipherSuite{}
	byName = map[string]CipherSuite{}
)

func init() {
	add := func(suites []*tls.CipherSuite, insecure bool) {
		for _, s := range suites {
			cs, ok := parseName(s.Name)
			if !ok {
				continue
			}
			cs.ID = s.ID
			cs.Insecure = insecure
			byID[s.ID] = cs
			byName[s.Name] = cs
		}
	}
	add(tls.CipherSuites(), false)
	add(tls.InsecureCipherSuites(), true)
}

// LookupCipherSuite returns the suite negotiated under id
func LookupCipherSuite(id uint16) (CipherSuite, bool) {
	cs, ok := byID[id]
	return cs, ok
}

// ParseCipherSuite resolves a suite name. Names are IANA names as used by
// crypto/tls, the short forms without _SHA256 and the OpenSSL TLS 1.3 names
// are accepted too.
func ParseCipherSuite(name string) (CipherSuite, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if fallback, ok := _fallbackNames[name]; ok {
		name = fallback
	}
	cs, ok := byName[name]
	if ok {
		return cs, true
	}
	for _, s := range byName {
		// crypto/tls names chacha suites without the hash suffix
		if _fallbackNames[s.Name] == name {
			return s, true
		}
	}
	return CipherSuite{}, false
}

// parseName splits TLS_<kex>_<auth>_WITH_<cipher>_<keylen>_<mode>_<hash>
func parseName(name string) (CipherSuite, bool) {
	ret := CipherSuite{Name: name}
	rest, ok := strings.CutPrefix(name, "TLS_")
	if !ok {
		return ret, false
	}
	if kex, bulk, ok := strings.Cut(rest, "_WITH_"); ok {
		k, auth, _ := strings.Cut(kex, "_")
		ret.Exchange = KeyExchangeAlgorithm(k)
		ret.Auth = auth
		if ret.Exchange == KexRSA {
			ret.Auth = "RSA"
		}
		rest = bulk
	}

	parts := strings.Split(rest, "_")
	switch {
	case len(parts) >= 2 && parts[0] == "AES":
		ret.Cipher = CipherAES
		if _, err := fmt.Sscanf(parts[1], "%d", &ret.KeyLen); err != nil {
			return ret, false
		}
		if len(parts) >= 3 {
			ret.Mode = CipherMode(parts[2])
		}
	case len(parts) >= 2 && parts[0] == "CHACHA20":
		ret.Cipher, ret.KeyLen, ret.Mode = CipherCHACHA20, 256, CipherModePOLY1305
	case len(parts) >= 3 && parts[0] == "3DES":
		ret.Cipher, ret.KeyLen, ret.Mode = Cipher3DES, 168, CipherModeEDE_CBC
	case len(parts) >= 2 && parts[0] == "RC4":
		ret.Cipher, ret.KeyLen, ret.Mode = CipherRC4, 128, CipherModeEmpty
	default:
		return ret, false
	}
	last := parts[len(parts)-1]
	if strings.HasPrefix(last, "SHA") {
		ret.Hash = last
	}
	return ret, true
}

// Preset returns suite IDs of the named preset. "high" are forward secret
// AEAD suites with at least 128 bit keys, "medium" adds the remaining
// secure suites.
func Preset(name string, override []string) ([]uint16, error) {
	if len(override) > 0 {
		return ParseCipherList(strings.Join(override, ":"))
	}
	if name != "high" && name != "medium" {
		return nil, fmt.Errorf("unknown cipher preset %q", name)
	}
	var ret []uint16
	for _, s := range tls.CipherSuites() {
		cs, ok := byID[s.ID]
		if !ok {
			continue
		}
		if name == "high" && !(cs.AEAD() && cs.ForwardSecret() && cs.Bits() >= 128) {
			continue
		}
		ret = append(ret, cs.ID)
	}
	slices.Sort(ret)
	return ret, nil
}

// ParseCipherList parses colon or comma separated suite names
func ParseCipherList(s string) ([]uint16, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty cipher list")
	}
	ret := make([]uint16, 0, len(fields))
	for _, f := range fields {
		cs, ok := ParseCipherSuite(f)
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", f)
		}
		ret = append(ret, cs.ID)
	}
	return ret, nil
}
