package model_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("not supported on Windows")
	}

	var testCases = []struct {
		scenario string
		yml      string
		then     func(t *testing.T, cfg model.Config)
	}{
		{
			scenario: "defaults",
			yml: `
version: 0
service:
  mode: manual
`,
			then: func(t *testing.T, cfg model.Config) {
				require.Equal(t, model.Probe{
					Timeout:         model.DefaultTimeout,
					Concurrency:     model.DefaultConcurrency,
					Retries:         model.DefaultRetries,
					RetryDelayMS:    model.DefaultRetryDelayMS,
					PollIntervalMS:  model.DefaultPollIntervalMS,
					TelnetMaxCycles: model.DefaultTelnetMaxCycles,
				}, cfg.Probe)
				require.Empty(t, cfg.Targets)
				require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
				require.False(t, cfg.Service.Verbose)
			},
		},
		{
			scenario: "targets",
			yml: `
version: 0
probe:
  timeout: 5
  connect_rate: 12.5
  templates:
    smtp: "EHLO {host}\r\n"
targets:
  - host: mail.example.net
    protocol: smtp
  - name: portal
    host: www.example.net
    protocol: https
    path: /status
    method: HEAD
    tls_options:
      min_version: "1.2"
      ciphers: high
      verify: true
    expect:
      regex: "^OK"
service:
  mode: manual
`,
			then: func(t *testing.T, cfg model.Config) {
				require.Equal(t, 5, cfg.Probe.Timeout)
				require.Equal(t, 12.5, cfg.Probe.ConnectRate)
				require.Equal(t, map[string]string{"smtp": "EHLO {host}\r\n"}, cfg.Probe.Templates)
				require.Len(t, cfg.Targets, 2)
				require.Equal(t, model.Target{Host: "mail.example.net", Protocol: "smtp"}, cfg.Targets[0])

				portal := cfg.Targets[1]
				require.Equal(t, "portal", portal.Name)
				require.Equal(t, "HEAD", portal.Method)
				require.Equal(t, &model.TLSOptions{
					MinVersion: "1.2",
					Ciphers:    model.CiphersHigh,
					Verify:     true,
				}, portal.TLSOptions)
				require.Equal(t, &model.Expect{Regex: "^OK"}, portal.Expect)
			},
		},
		{
			scenario: "timer mode with repository and server",
			yml: `
version: 0
service:
  mode: timer
  verbose: true
  log: discard
  schedule:
    cron: "*/5 * * * *"
  repository:
    base_url: https://example.com/repo
  server:
    addr: 127.0.0.1:8088
`,
			then: func(t *testing.T, cfg model.Config) {
				require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
				require.True(t, cfg.Service.Verbose)
				require.Equal(t, model.LogDiscard, cfg.Service.Log)
				require.Equal(t, &model.TimerSchedule{Cron: "*/5 * * * *"}, cfg.Service.Schedule)
				require.NotNil(t, cfg.Service.Repository)
				require.Equal(t, "https://example.com/repo", cfg.Service.Repository.URL.String())
				require.NotNil(t, cfg.Service.Server)
				require.Equal(t, "127.0.0.1:8088", cfg.Service.Server.Addr.String())
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.NoError(t, err)
			tc.then(t, cfg)

			// the same from a file
			cfg2, err := model.LoadConfigFromPath(saveYaml(t, tc.yml))
			require.NoError(t, err)
			tc.then(t, cfg2)
		})
	}
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		thenPath string
		thenCode string
	}{
		{
			scenario: "extra",
			given: `
version: 0
service:
  mode: manual
extra: true
`,
			thenPath: "extra",
			thenCode: model.CodeUnknownField,
		},
		{
			scenario: "additional service field",
			given: `
version: 0
service:
  mode: manual
  x: true
`,
			thenPath: "service.x",
			thenCode: model.CodeUnknownField,
		},
		{
			scenario: "version 1",
			given: `
version: 1
service:
  mode: manual
`,
			thenPath: "version",
			thenCode: model.CodeConflictingValues,
		},
		{
			scenario: "unknown target field",
			given: `
version: 0
targets:
  - host: example.net
    hostname: example.net
service:
  mode: manual
`,
			thenPath: "targets.0.hostname",
			thenCode: model.CodeUnknownField,
		},
		{
			scenario: "timeout out of range",
			given: `
version: 0
probe:
  timeout: 0
service:
  mode: manual
`,
			thenPath: "probe.timeout",
			thenCode: model.CodeConflictingValues,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			var cuerr model.CueError
			ok := errors.As(err, &cuerr)
			require.Truef(t, ok, "%q is not model.CueError", err)
			details := cuerr.Details()
			require.NotEmpty(t, details)
			for _, d := range details {
				t.Logf("%#+v", d)
			}
			require.True(t, hasDetail(details, tc.thenPath, tc.thenCode), "%+v", details)
			require.NotEmpty(t, details[0].Attr("test"))
			require.Equal(t, "config.yaml", details[0].Pos.Filename)
		})
	}
}

func hasDetail(details []model.CueErrorDetail, path, code string) bool {
	for _, d := range details {
		if d.Path == path && d.Code == code {
			return true
		}
	}
	return false
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	require.NotZero(t, cfg)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	err := enc.Encode(cfg)
	require.NoError(t, err)

	cfg2, err := model.LoadConfig(&buf)
	if err != nil {
		var cuerr model.CueError
		ok := errors.As(err, &cuerr)
		require.True(t, ok)
		for _, d := range cuerr.Details() {
			t.Logf("%+v", d)
		}
	}
	require.NoError(t, err)

	require.Equal(t, cfg, cfg2)
}

func TestExpectation(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Expect
		then     *model.Expectation
	}{
		{
			scenario: "none",
			given:    model.Expect{},
			then:     nil,
		},
		{
			scenario: "regex",
			given:    model.Expect{Regex: "^220"},
			then:     &model.Expectation{Kind: model.ExpectRegexMatch, Pattern: "^220"},
		},
		{
			scenario: "not regex",
			given:    model.Expect{NotRegex: "error"},
			then:     &model.Expectation{Kind: model.ExpectRegexNoMatch, Pattern: "error"},
		},
		{
			scenario: "digest file",
			given:    model.Expect{DigestFile: "/etc/probe-lens/index.sha256"},
			then:     &model.Expectation{Kind: model.ExpectDigest, DigestFile: "/etc/probe-lens/index.sha256"},
		},
		{
			scenario: "content type",
			given:    model.Expect{ContentType: "text/html"},
			then:     &model.Expectation{Kind: model.ExpectContentType, ContentType: "text/html"},
		},
		{
			scenario: "two modes",
			given:    model.Expect{Regex: "a", ContentType: "text/html"},
			then:     &model.Expectation{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, tc.given.Expectation())
		})
	}
}

func TestExpandEnv(t *testing.T) {
	// this must not be parallel
	const inp = `
version: 0
probe:
  templates:
    http: "GET ${TEST_EE_PATH} HTTP/1.0\r\n\r\n"
targets:
  - host: ${TEST_EE_HOST}
    protocol: smtp
    tls_options:
      credential:
        cert: $TEST_EE_CERT
  - host: $TEST_EE_undefined
service:
  mode: manual
  dir: ${TEST_EE_SERVICE_DIR}
`

	var names = []string{
		"TEST_EE_SERVICE_DIR",
		"TEST_EE_HOST",
		"TEST_EE_CERT",
		"TEST_EE_PATH",
	}

	for _, name := range names {
		t.Setenv(name, strings.ToLower(name))
	}

	cfg, err := model.LoadConfig(strings.NewReader(inp))
	require.NoError(t, err)

	require.Equal(t, "test_ee_service_dir", cfg.Service.Dir)
	require.Len(t, cfg.Targets, 2)
	require.Equal(t, "test_ee_host", cfg.Targets[0].Host)
	require.Equal(t, "test_ee_cert", cfg.Targets[0].TLSOptions.Credential.Cert)
	require.Equal(t, "", cfg.Targets[1].Host)
	// requests are sent as they are
	require.Equal(t, "GET ${TEST_EE_PATH} HTTP/1.0\r\n\r\n", cfg.Probe.Templates["http"])
}

func TestLoadConfigFromPath_Missing(t *testing.T) {
	t.Parallel()
	_, err := model.LoadConfigFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func saveYaml(t *testing.T, yml string) (abspath string) {
	t.Helper()
	root, err := os.OpenRoot(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, root.Close())
	})
	path := strings.ReplaceAll(t.Name(), "/", "_") + ".yaml"
	f, err := root.Create(path)
	require.NoError(t, err)
	_, err = f.WriteString(yml)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	abspath = filepath.Join(root.Name(), path)
	return
}
