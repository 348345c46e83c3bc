package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanlink/internal/config"
	scanerrors "github.com/anstrom/scanlink/internal/errors"
	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/mockserver"
	"github.com/anstrom/scanlink/internal/reconcile"
	"github.com/anstrom/scanlink/internal/session"
)

func newMockBackend(t *testing.T, opts mockserver.Options) (*mockserver.Server, string) {
	t.Helper()
	opts.Logger = logging.NewDiscard().Logger
	srv := mockserver.New(opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		hs.Close()
	})
	return srv, strings.TrimPrefix(hs.URL, "http://")
}

func newTestSession(address string) *session.Session {
	cfg := config.Default()
	cfg.Endpoint.Address = address
	cfg.Bootstrap.MaxAttempts = 2
	cfg.Bootstrap.RetryDelay = 10 * time.Millisecond
	cfg.Connection.RequestTimeout = 2 * time.Second

	opts := session.OptionsFromConfig(cfg)
	opts.Logger = logging.NewDiscard().Logger
	return session.New(opts)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"watch", "info", "mock-server", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("address"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("metrics-addr"))
	assert.NotNil(t, watchCmd.Flags().Lookup("subnet"))
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetVersion("dev", "none", "unknown") })

	assert.Equal(t, "1.2.3 (commit: abc123, built: 2026-01-01)", rootCmd.Version)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", scanerrors.ErrUnreachable("ws://127.0.0.1:1/ws", 8, errors.New("refused")), exitFatal},
		{"configuration", scanerrors.NewConfigFieldError(scanerrors.CodeConfiguration, "bad", "endpoint.address", ""), exitFatal},
		{"connect failure", scanerrors.WrapConnectionError(scanerrors.CodeConnectFailure, "down", "ws://x/ws", errors.New("refused")), exitFailure},
		{"plain", errors.New("unknown flag"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		check  func(t *testing.T, cfg *config.Config)
	}{
		{
			name:   "no overrides keeps defaults",
			values: map[string]any{},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, config.Default(), cfg)
			},
		},
		{
			name:   "address",
			values: map[string]any{"endpoint.address": "scanner:9000"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "scanner:9000", cfg.Endpoint.Address)
				assert.Equal(t, "ws://scanner:9000/ws", cfg.Endpoint.URL())
			},
		},
		{
			name:   "metrics address enables metrics",
			values: map[string]any{"metrics.listen_addr": "127.0.0.1:9999"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Metrics.Enabled)
				assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.ListenAddr)
			},
		},
		{
			name:   "verbose forces debug",
			values: map[string]any{"verbose": true, "logging.level": "warn"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "debug", cfg.Logging.Level)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.values {
				v.Set(k, val)
			}
			cfg := config.Default()
			applyOverrides(cfg, v)
			tt.check(t, cfg)
		})
	}
}

func TestApplyOverrides_Environment(t *testing.T) {
	t.Setenv("SCANLINK_ENDPOINT_ADDRESS", "10.0.0.2:8766")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := config.Default()
	applyOverrides(cfg, v)
	assert.Equal(t, "10.0.0.2:8766", cfg.Endpoint.Address)
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		name string
		in   session.Progress
		want string
	}{
		{
			name: "attempt",
			in:   session.Progress{Phase: session.PhaseConnecting, Attempt: 3, MaxAttempts: 8},
			want: "connecting (attempt 3 of 8)",
		},
		{
			name: "error",
			in:   session.Progress{Phase: session.PhaseBootstrapFailed, Err: errors.New("boom")},
			want: "bootstrap_failed: boom",
		},
		{
			name: "plain",
			in:   session.Progress{Phase: session.PhaseReady},
			want: "ready",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatProgress(tt.in))
		})
	}
}

func TestFormatStatus(t *testing.T) {
	line := formatStatus(reconcile.Status{
		Running: true, Stage: "ports", Progress: 0.25,
		Scanned: 2, Total: 8, Alive: 1, Runtime: 3, Remaining: 9,
	})
	assert.Contains(t, line, "ports")
	assert.Contains(t, line, "25.0%")
	assert.Contains(t, line, "2/8 scanned, 1 alive")
	assert.Contains(t, line, "~9s left")

	done := formatStatus(reconcile.Status{Stage: "complete", Progress: 1, Runtime: 12})
	assert.NotContains(t, done, "left")
}

func TestFormatPorts(t *testing.T) {
	got := formatPorts([]int{22, 443, 8080}, map[string][]string{"22": {"ssh"}, "443": {"https", "http2"}})
	assert.Equal(t, "22/ssh, 443/https+http2, 8080", got)
	assert.Empty(t, formatPorts(nil, nil))
}

func TestRenderDevices(t *testing.T) {
	var buf bytes.Buffer
	err := renderDevices(&buf, []reconcile.Device{
		{IP: "10.0.0.9", Alive: false, Stage: "complete"},
		{IP: "10.0.0.2", Alive: true, Hostname: "nas", Ports: []int{22}, Services: map[string][]string{"22": {"ssh"}}},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "10.0.0.2")
	assert.Contains(t, out, "nas")
	assert.Contains(t, out, "22/ssh")
	assert.Less(t, strings.Index(out, "10.0.0.2"), strings.Index(out, "10.0.0.9"), "alive hosts first")
}

func TestRenderIssues(t *testing.T) {
	var buf bytes.Buffer
	renderIssues(&buf, reconcile.State{
		Errors:   []reconcile.ErrorInfo{{Message: "timeout", Device: "10.0.0.3", Stage: "ports"}},
		Warnings: []reconcile.WarningInfo{{Message: "slow network"}},
	})
	assert.Equal(t, "error: timeout (10.0.0.3, ports)\nwarning: slow network\n", buf.String())
}

func TestWatch_RunsScanToCompletion(t *testing.T) {
	_, addr := newMockBackend(t, mockserver.Options{TickInterval: 5 * time.Millisecond, DevicesPerScan: 3})

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := watch(ctx, newTestSession(addr), watchOptions{
		Request: session.ScanRequest{Subnet: "10.0.0.0/24"},
		Output:  "table",
	}, &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "started for 10.0.0.0/24")
	assert.Contains(t, out, "complete")
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		assert.Contains(t, out, ip)
	}
}

func TestWatch_TimeoutTerminates(t *testing.T) {
	srv, addr := newMockBackend(t, mockserver.Options{TickInterval: time.Hour})

	var buf bytes.Buffer
	err := watch(context.Background(), newTestSession(addr), watchOptions{
		Request: session.ScanRequest{Subnet: "10.0.0.0/24"},
		Timeout: 500 * time.Millisecond,
		Output:  "json",
	}, &buf)
	require.NoError(t, err)

	assert.Equal(t, 1, srv.RequestCount("scan.terminate"))
	assert.Contains(t, buf.String(), "stopping scan")

	jsonStart := strings.Index(buf.String(), "{")
	require.GreaterOrEqual(t, jsonStart, 0)
	var state reconcile.State
	require.NoError(t, json.Unmarshal([]byte(buf.String()[jsonStart:]), &state))
	assert.Equal(t, "terminated", state.Status.Stage)
	assert.False(t, state.Status.Running)
}

func TestWatch_InvalidSubnet(t *testing.T) {
	_, addr := newMockBackend(t, mockserver.Options{})

	var buf bytes.Buffer
	err := watch(context.Background(), newTestSession(addr), watchOptions{
		Request: session.ScanRequest{Subnet: "everything"},
	}, &buf)
	require.Error(t, err)
}

func TestInfo(t *testing.T) {
	_, addr := newMockBackend(t, mockserver.Options{})

	var buf bytes.Buffer
	require.NoError(t, info(context.Background(), newTestSession(addr), false, &buf))

	out := buf.String()
	assert.Contains(t, out, "scanlink-mock "+mockserver.Version)
	assert.Contains(t, out, "192.168.1.0/24")
	assert.Contains(t, out, "top-1000")
	assert.Contains(t, out, "port_list: top-100")
}

func TestInfo_JSON(t *testing.T) {
	_, addr := newMockBackend(t, mockserver.Options{})

	var buf bytes.Buffer
	require.NoError(t, info(context.Background(), newTestSession(addr), true, &buf))

	var ref session.ReferenceData
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ref))
	app, err := ref.App()
	require.NoError(t, err)
	assert.Equal(t, mockserver.Version, app.Version)
}

func TestInfo_Unreachable(t *testing.T) {
	var buf bytes.Buffer
	err := info(context.Background(), newTestSession("127.0.0.1:1"), false, &buf)
	require.Error(t, err)
}
