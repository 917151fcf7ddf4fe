package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tsstream/config"
	"github.com/c360/tsstream/health"
	"github.com/c360/tsstream/output"
	"github.com/c360/tsstream/signalindex"
	"github.com/c360/tsstream/testutil"
	"github.com/c360/tsstream/wire"
)

const waitFor = 5 * time.Second

func TestParseFlags(t *testing.T) {
	t.Setenv("TSSUB_LOG_FORMAT", "text")
	t.Setenv("TSSUB_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-c", "site.yaml", "-debug"})
	require.NoError(t, err)
	assert.Equal(t, "site.yaml", cfg.ConfigPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.Validate)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	_, err = parseFlags(fs, []string{"-no-such-flag"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tssub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("connection:\n  host: localhost\n"), 0o600))

	valid := CLIConfig{ConfigPath: path, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	require.NoError(t, validateFlags(&valid))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"missing config", func(c *CLIConfig) { c.ConfigPath = filepath.Join(t.TempDir(), "nope.yaml") }},
		{"log level", func(c *CLIConfig) { c.LogLevel = "verbose" }},
		{"log format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"shutdown timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, validateFlags(&cfg))
		})
	}

	version := CLIConfig{ShowVersion: true}
	assert.NoError(t, validateFlags(&version))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])

	buf.Reset()
	setupLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"-version"}, &out))
	assert.Equal(t, "tssub version "+Version+"\n", out.String())
}

func TestRun_ValidateOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tssub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connection:
  host: localhost
sinks:
  file:
    enabled: true
    path: out.jsonl
`), 0o600))

	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", path, "-validate", "-log-format", "text"}, &out))
	assert.Contains(t, out.String(), "Configuration is valid")
	assert.Contains(t, out.String(), "file")
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tssub.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"connection": {"port": 0}}`), 0o600))

	err := run([]string{"-config", path}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunDaemon_ForwardsMeasurementsToSinks(t *testing.T) {
	pub := testutil.NewPublisher(t, testutil.WithAutoAck())
	outPath := filepath.Join(t.TempDir(), "measurements.jsonl")
	metricsAddr := freeTCPAddr(t)

	cfg := config.Default()
	cfg.Connection.Host = pub.Host()
	cfg.Connection.Port = pub.Port()
	cfg.Connection.RetryInterval = 20 * time.Millisecond
	cfg.Subscriber.PollTimeout = 20 * time.Millisecond
	cfg.Subscription.FilterExpression = "PPA:1;PPA:2"
	cfg.Sinks.File.Enabled = true
	cfg.Sinks.File.Path = outPath
	cfg.Metrics.Addr = metricsAddr
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg, logger, 5*time.Second) }()

	sub, _ := pub.WaitForCommand(wire.CommandSubscribe, waitFor)
	assert.Contains(t, sub.ConnectionString(), "inputMeasurementKeys={PPA:1;PPA:2};")

	signalID := uuid.New()
	cache := signalindex.New()
	cache.Add(0, signalID, "PPA", 1)
	require.NoError(t, pub.SendResponse(wire.ResponseUpdateSignalIndexCache, wire.CommandSubscribe,
		testutil.SignalIndexCachePayload(t, cache, wire.UTF16LE)))

	records := wire.EncodeCompact(nil, wire.Record{Index: 0, Value: 60.0, Timestamp: 638355968000000000},
		wire.TimeOptions{IncludeTime: true})
	require.NoError(t, pub.SendResponse(wire.ResponseDataPacket, wire.CommandSubscribe,
		testutil.DataPacketPayload(1, nil, records)))

	var record output.Record
	require.Eventually(t, func() bool {
		f, err := os.Open(outPath)
		if err != nil {
			return false
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		if !scanner.Scan() {
			return false
		}
		return json.Unmarshal(scanner.Bytes(), &record) == nil
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, signalID.String(), record.SignalID)
	assert.Equal(t, "PPA", record.Source)
	assert.Equal(t, uint32(1), record.ID)
	assert.Equal(t, 60.0, record.Value)
	assert.Equal(t, int64(638355968000000000), record.Timestamp)

	var status health.Status
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + metricsAddr + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&status) == nil
	}, waitFor, 20*time.Millisecond)
	assert.Equal(t, "healthy", status.Status)
	assert.Len(t, status.SubStatuses, 2)

	resp, err := http.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "tsstream_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("daemon did not stop")
	}
}

func TestRunDaemon_ConnectFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.Host = "127.0.0.1"
	cfg.Connection.Port, _ = strconv.Atoi(portOf(t, freeTCPAddr(t)))
	cfg.Connection.MaxRetries = 2
	cfg.Connection.RetryInterval = 10 * time.Millisecond
	cfg.Metrics.Enabled = false

	err := runDaemon(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to publisher")
}

func portOf(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return port
}

func TestRunDaemon_MetricsTLSMissingCertificate(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.Host = "127.0.0.1"
	cfg.Metrics.TLS.Enabled = true
	cfg.Metrics.TLS.CertFile = filepath.Join(t.TempDir(), "cert.pem")
	cfg.Metrics.TLS.KeyFile = filepath.Join(t.TempDir(), "key.pem")

	err := runDaemon(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics TLS")
}
