package model

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers (optional).
const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	CiphersHigh   = "high"
	CiphersMedium = "medium"
)

// defaults of the probe section, must match config.cue
const (
	DefaultTimeout         = 10
	DefaultConcurrency     = 256
	DefaultRetries         = 1
	DefaultRetryDelayMS    = 250
	DefaultPollIntervalMS  = 100
	DefaultTelnetMaxCycles = 64
)

// Config is the probe-lens configuration file
type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Probe   Probe    `json:"probe" yaml:"probe"`
	Targets []Target `json:"targets,omitempty" yaml:"targets,omitempty"`
	Service Service  `json:"service" yaml:"service"`
}

// Probe tunes the connection engine
type Probe struct {
	Timeout         int               `json:"timeout" yaml:"timeout"` // seconds
	Concurrency     int               `json:"concurrency" yaml:"concurrency"`
	Retries         int               `json:"retries" yaml:"retries"`
	RetryDelayMS    int               `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	PollIntervalMS  int               `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	ConnectRate     float64           `json:"connect_rate" yaml:"connect_rate"` // new connections per second, 0 is unlimited
	TelnetMaxCycles int               `json:"telnet_max_cycles" yaml:"telnet_max_cycles"`
	Templates       map[string]string `json:"templates,omitempty" yaml:"templates,omitempty"` // protocol => request
	TLS             TLSPresets        `json:"tls,omitzero" yaml:"tls,omitempty"`
}

// TLSPresets overrides the cipher suite names used by "high" and "medium"
type TLSPresets struct {
	High   []string `json:"high,omitempty" yaml:"high,omitempty"`
	Medium []string `json:"medium,omitempty" yaml:"medium,omitempty"`
}

// Target is one entry of the probe inventory
type Target struct {
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Host       string      `json:"host" yaml:"host"`
	Port       int         `json:"port,omitempty" yaml:"port,omitempty"`         // 0 => protocol default
	Protocol   string      `json:"protocol,omitempty" yaml:"protocol,omitempty"` // empty => tcp
	TLS        bool        `json:"tls,omitempty" yaml:"tls,omitempty"`
	Silent     bool        `json:"silent,omitempty" yaml:"silent,omitempty"`
	Source     string      `json:"source,omitempty" yaml:"source,omitempty"`
	Request    string      `json:"request,omitempty" yaml:"request,omitempty"`
	Path       string      `json:"path,omitempty" yaml:"path,omitempty"`
	Method     string      `json:"method,omitempty" yaml:"method,omitempty"`
	TLSOptions *TLSOptions `json:"tls_options,omitempty" yaml:"tls_options,omitempty"`
	Expect     *Expect     `json:"expect,omitempty" yaml:"expect,omitempty"`
}

type TLSOptions struct {
	MinVersion string      `json:"min_version,omitempty" yaml:"min_version,omitempty"` // 1.0 - 1.3
	MaxVersion string      `json:"max_version,omitempty" yaml:"max_version,omitempty"`
	Ciphers    string      `json:"ciphers,omitempty" yaml:"ciphers,omitempty"` // high, medium or a colon separated list
	Verify     bool        `json:"verify,omitempty" yaml:"verify,omitempty"`
	CAFile     string      `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	ServerName string      `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	Credential *Credential `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Credential references a client certificate. Cert is a PEM, PKCS#12 or JKS
// file, Key is needed for PEM only. The passphrase is read from
// PassphraseFile, the PassphraseEnv variable or from <key>.pass
// (<cert>.pass) when it exists.
type Credential struct {
	Cert           string `json:"cert" yaml:"cert"`
	Key            string `json:"key,omitempty" yaml:"key,omitempty"`
	PassphraseFile string `json:"passphrase_file,omitempty" yaml:"passphrase_file,omitempty"`
	PassphraseEnv  string `json:"passphrase_env,omitempty" yaml:"passphrase_env,omitempty"`
	Alias          string `json:"alias,omitempty" yaml:"alias,omitempty"` // JKS entry
}

// Expect is a content expectation, at most one field can be set
type Expect struct {
	Regex       string `json:"regex,omitempty" yaml:"regex,omitempty"`
	NotRegex    string `json:"not_regex,omitempty" yaml:"not_regex,omitempty"`
	Digest      string `json:"digest,omitempty" yaml:"digest,omitempty"`
	DigestFile  string `json:"digest_file,omitempty" yaml:"digest_file,omitempty"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
}

// Expectation converts the configuration to the engine form. More than one
// configured mode results in an Expectation without a Kind, which is
// evaluated as unevaluable.
func (e Expect) Expectation() *Expectation {
	var ret Expectation
	set := 0
	if e.Regex != "" {
		ret.Kind, ret.Pattern = ExpectRegexMatch, e.Regex
		set++
	}
	if e.NotRegex != "" {
		ret.Kind, ret.Pattern = ExpectRegexNoMatch, e.NotRegex
		set++
	}
	if e.Digest != "" || e.DigestFile != "" {
		ret.Kind, ret.Digest, ret.DigestFile = ExpectDigest, e.Digest, e.DigestFile
		set++
	}
	if e.ContentType != "" {
		ret.Kind, ret.ContentType = ExpectContentType, e.ContentType
		set++
	}
	switch set {
	case 0:
		return nil
	case 1:
		return &ret
	default:
		return &Expectation{}
	}
}

type ServiceFields struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path - defaults to stderr
}

// Service configuration
type Service struct {
	ServiceFields `yaml:",inline"`

	Mode       string         `json:"mode" yaml:"mode"`                                 // must be "manual" or "timer"
	Dir        string         `json:"dir,omitempty" yaml:"dir,omitempty"`               // output directory
	Repository *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"` // remote publication
	Schedule   *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`     // only for mode timer
	Server     *Server        `json:"server,omitempty" yaml:"server,omitempty"`
}

// TimerSchedule defines the duration for a timer mode
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Repository publication settings.
type Repository struct {
	URL URL `json:"base_url" yaml:"base_url"`
}

// Server is the status API configuration
type Server struct {
	Addr TCPAddr `json:"addr" yaml:"addr"` // :port or ip:port
}

func expandEnvRecursive(pt *Config) {
	rv := reflect.ValueOf(pt).Elem()
	expandEnvValue(rv)
}

func expandEnvValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandEnvValue(v.Field(i))
		}
	case reflect.Pointer:
		if !v.IsNil() {
			expandEnvValue(v.Elem())
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandEnvValue(v.Index(i))
		}
	default:
		// maps (templates) are request payloads, they are not expanded
	}
}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx    *cue.Context
	cueConfig cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	cueConfig = compiled.LookupPath(cue.ParsePath("#Config"))
	if cueConfig.Err() != nil {
		panic(cueConfig.Err())
	}
	if err := cueConfig.Validate(); err != nil {
		panic(err)
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// NOT SAFE for multiple goroutines
// Return CueError in a case validation phase fails
func LoadConfig(r io.Reader) (Config, error) {
	var ret Config
	if err := loadConfig1(r, &ret); err != nil {
		return ret, err
	}
	return ret, nil
}

// LoadConfigFromPath loads the configuration from a file, "-" means stdin.
// Validation errors are logged in a human friendly form.
func LoadConfigFromPath(path string) (Config, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("error opening config file: %w", err)
		}
		r = f
		defer func() {
			err := f.Close()
			if err != nil {
				slog.Error("can't close config file", "path", path, "error", err)
			}
		}()
	}
	cfg, err := LoadConfig(r)
	if err != nil {
		var cuerr CueError
		if errors.As(err, &cuerr) {
			for _, d := range cuerr.Details() {
				slog.Error("validation error", d.Attr("detail"))
			}
		}
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func loadConfig1(r io.Reader, pt *Config) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	r = bytes.NewReader(b)

	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := cueConfig.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return CueError{cuerr: err, config: yamlValue, schema: cueConfig}
	}

	if err := unified.Decode(pt); err != nil {
		return err
	}

	expandEnvRecursive(pt)
	return nil
}

// CueError provides more user friendly validation errors on top of
// those generated by cuelang itself
type CueError struct {
	cuerr  error
	config cue.Value // content of --config file
	schema cue.Value // loaded cue schema
}

// Error implements error interface, returns the string content of underlying
// cue error
func (e CueError) Error() string {
	return e.cuerr.Error()
}

// Unwrap allows one to get the original error via errors.As
func (e CueError) Unwrap() error {
	return e.cuerr
}

// Details provide human-friendlier error messages
func (e CueError) Details() []CueErrorDetail {
	return humanize(e.cuerr, e.config, e.schema)
}

// DefaultConfig returns a configuration probing the local ssh and http
// services once.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Probe: Probe{
			Timeout:         DefaultTimeout,
			Concurrency:     DefaultConcurrency,
			Retries:         DefaultRetries,
			RetryDelayMS:    DefaultRetryDelayMS,
			PollIntervalMS:  DefaultPollIntervalMS,
			TelnetMaxCycles: DefaultTelnetMaxCycles,
		},
		Targets: []Target{
			{Name: "local-ssh", Host: "localhost", Protocol: "ssh"},
			{Name: "local-http", Host: "localhost", Protocol: "http"},
		},
		Service: Service{
			ServiceFields: ServiceFields{
				Log: LogStderr,
			},
			Mode: ServiceModeManual,
		},
	}
}
