package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/probe-lens/internal/model"
	"github.com/CZERTAINLY/probe-lens/internal/model/mock"
	"github.com/CZERTAINLY/probe-lens/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProber returns reports run-1, run-2, ...
type fakeProber struct {
	runs atomic.Int32
	err  error
}

func (p *fakeProber) Run(context.Context) (model.Report, error) {
	n := p.runs.Add(1)
	if p.err != nil {
		return model.Report{}, p.err
	}
	now := time.Now().UTC()
	return model.Report{
		RunID:    "run-" + strconv.Itoa(int(n)),
		Started:  now,
		Finished: now,
		Results: []model.Result{
			{ID: "t1", Addr: "127.0.0.1:22", Reachable: true, Banner: "SSH-2.0-test\r\n"},
		},
	}, nil
}

// syncBuffer is written by the supervisor goroutine and read by the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	t.Run("timer", func(t *testing.T) {
		t.Parallel()
		var testCases = []struct {
			scenario string
			given    string
		}{
			{
				scenario: "cron",
				given: `
version: 0

service:
    mode: timer
    schedule:
       cron: "@every 1s"
`,
			},
			{
				scenario: "duration",
				given: `
version: 0

service:
    mode: timer
    schedule:
       duration: "PT1S"
`,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.scenario, func(t *testing.T) {
				t.Parallel()
				cfg, err := model.LoadConfig(strings.NewReader(tc.given))
				require.NoError(t, err)
				var buf syncBuffer
				prober := &fakeProber{}
				supervisor, err := service.NewSupervisor(t.Context(), cfg, prober)
				require.NoError(t, err)
				supervisor = supervisor.WithUploaders(t.Context(), service.NewWriteUploader(&buf))

				ctx, cancel := context.WithTimeout(t.Context(), 3500*time.Millisecond)
				t.Cleanup(cancel)

				var g sync.WaitGroup
				g.Go(func() {
					err := supervisor.Do(ctx)
					require.NoError(t, err)
				})
				g.Wait()

				out := buf.String()
				require.GreaterOrEqual(t, strings.Count(out, `"run_id"`), 2)
				require.Contains(t, out, `"run_id": "run-1"`)
				require.Contains(t, out, `"run_id": "run-2"`)
			})
		}
	})

	t.Run("manual", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		uploader := mock.NewMockUploader(ctrl)
		var raw []byte
		uploader.EXPECT().
			Upload(gomock.Any(), "run-1", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, b []byte) error {
				raw = b
				return nil
			})

		cfg := model.Config{Service: model.Service{Mode: model.ServiceModeManual}}
		supervisor, err := service.NewSupervisor(t.Context(), cfg, &fakeProber{})
		require.NoError(t, err)
		supervisor = supervisor.WithUploaders(t.Context(), uploader)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		t.Cleanup(cancel)
		require.NoError(t, supervisor.Do(ctx))

		var report model.Report
		require.NoError(t, json.Unmarshal(raw, &report))
		require.Equal(t, "run-1", report.RunID)
		require.Len(t, report.Results, 1)
		require.Equal(t, "SSH-2.0-test\r\n", report.Results[0].Banner)
	})

	t.Run("manual errors", func(t *testing.T) {
		t.Parallel()
		var testCases = []struct {
			scenario string
			prober   *fakeProber
			upload   error
			then     string
		}{
			{
				scenario: "run",
				prober:   &fakeProber{err: errors.New("poll: bad file descriptor")},
				then:     "run: poll: bad file descriptor",
			},
			{
				scenario: "upload",
				prober:   &fakeProber{},
				upload:   errors.New("disk full"),
				then:     "disk full",
			},
		}
		for _, tc := range testCases {
			t.Run(tc.scenario, func(t *testing.T) {
				t.Parallel()
				ctrl := gomock.NewController(t)
				uploader := mock.NewMockUploader(ctrl)
				if tc.upload != nil {
					uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), gomock.Any()).Return(tc.upload)
				}

				cfg := model.Config{Service: model.Service{Mode: model.ServiceModeManual}}
				supervisor, err := service.NewSupervisor(t.Context(), cfg, tc.prober)
				require.NoError(t, err)
				supervisor = supervisor.WithUploaders(t.Context(), uploader)

				ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
				t.Cleanup(cancel)
				err = supervisor.Do(ctx)
				require.ErrorContains(t, err, tc.then)
				require.Equal(t, int32(1), tc.prober.runs.Load())
			})
		}
	})

	t.Run("start coalesced", func(t *testing.T) {
		t.Parallel()
		cfg := model.Config{Service: model.Service{Mode: model.ServiceModeTimer, Schedule: &model.TimerSchedule{Duration: "PT1H"}}}
		prober := &fakeProber{}
		var buf syncBuffer
		supervisor, err := service.NewSupervisor(t.Context(), cfg, prober)
		require.NoError(t, err)
		supervisor = supervisor.WithUploaders(t.Context(), service.NewWriteUploader(&buf))

		for range 5 {
			supervisor.Start()
		}
		ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
		t.Cleanup(cancel)
		require.NoError(t, supervisor.Do(ctx))
		require.Equal(t, int32(1), prober.runs.Load())
		require.Equal(t, 1, strings.Count(buf.String(), `"run_id"`))
	})
}

func TestNewSupervisor(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Service
		then     string
	}{
		{
			scenario: "manual with stdout",
			given:    model.Service{Mode: model.ServiceModeManual, ServiceFields: model.ServiceFields{Verbose: true}},
		},
		{
			scenario: "timer without schedule",
			given:    model.Service{Mode: model.ServiceModeTimer},
			then:     "service.schedule is missing",
		},
		{
			scenario: "timer empty schedule",
			given:    model.Service{Mode: model.ServiceModeTimer, Schedule: &model.TimerSchedule{}},
			then:     "service.schedule needs cron or duration",
		},
		{
			scenario: "timer bad duration",
			given:    model.Service{Mode: model.ServiceModeTimer, Schedule: &model.TimerSchedule{Duration: "P"}},
			then:     "service.schedule.duration: invalid ISO-8601 duration",
		},
		{
			scenario: "missing dir",
			given:    model.Service{Mode: model.ServiceModeManual, Dir: "/nonexistent/probe-lens"},
			then:     "initializing uploaders",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			supervisor, err := service.NewSupervisor(t.Context(), model.Config{Service: tc.given}, &fakeProber{})
			if tc.then != "" {
				require.ErrorContains(t, err, tc.then)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, supervisor)
		})
	}
}

func TestDirUploader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	u, err := service.NewDirUploader(dir)
	require.NoError(t, err)
	require.NoError(t, u.Upload(t.Context(), "run-1", []byte("raw")))

	b, err := os.ReadFile(filepath.Join(dir, "probe-lens-run-1.json"))
	require.NoError(t, err)
	require.Equal(t, "raw", string(b))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, u.Close())
	require.Error(t, u.Close())
	require.Error(t, u.Upload(t.Context(), "run-2", []byte("raw")))
}
