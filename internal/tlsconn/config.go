package tlsconn

import (
	"crypto/tls"
	"fmt"

	"github.com/CZERTAINLY/probe-lens/internal/model"
)

var versions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// NewConfig builds the client configuration for one target. Certificates
// are not verified unless opts.Verify is set, the probe reports what the
// server presents.
func NewConfig(host string, opts *model.TLSOptions, presets model.TLSPresets) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // verification is opt-in per target
	}
	// crypto/tls sends no SNI for IP literals, but verifies the IP SAN
	cfg.ServerName = host
	if opts == nil {
		return cfg, nil
	}

	if opts.ServerName != "" {
		cfg.ServerName = opts.ServerName
	}
	if opts.MinVersion != "" {
		v, ok := versions[opts.MinVersion]
		if !ok {
			return nil, fmt.Errorf("unsupported min_version %q", opts.MinVersion)
		}
		cfg.MinVersion = v
	}
	if opts.MaxVersion != "" {
		v, ok := versions[opts.MaxVersion]
		if !ok {
			return nil, fmt.Errorf("unsupported max_version %q", opts.MaxVersion)
		}
		cfg.MaxVersion = v
	}
	if cfg.MinVersion != 0 && cfg.MaxVersion != 0 && cfg.MinVersion > cfg.MaxVersion {
		return nil, fmt.Errorf("min_version %s is greater than max_version %s", opts.MinVersion, opts.MaxVersion)
	}

	switch opts.Ciphers {
	case "":
	case model.CiphersHigh:
		ids, err := Preset(model.CiphersHigh, presets.High)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	case model.CiphersMedium:
		ids, err := Preset(model.CiphersMedium, presets.Medium)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	default:
		ids, err := ParseCipherList(opts.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	}

	if opts.Verify {
		cfg.InsecureSkipVerify = false
		if opts.CAFile != "" {
			pool, err := LoadCertPool(opts.CAFile)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}
	}

	if opts.Credential != nil {
		cert, err := LoadCredential(*opts.Credential)
		if err != nil {
			return nil, fmt.Errorf("loading client credential: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
