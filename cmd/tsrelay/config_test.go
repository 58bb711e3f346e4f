package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/database64128/tsrelay-go/service"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("tsrelay", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	addFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(parseFlags(t, "cat"))
	require.NoError(t, err)

	def := service.DefaultConfig()
	assert.Equal(t, def, cfg.Service)
	assert.Equal(t, defaultKillTimeout, cfg.KillTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.StderrLog)
	assert.Empty(t, cfg.MetricsListen)
}

func TestLoadConfigFlags(t *testing.T) {
	fs := parseFlags(t,
		"-H", "127.0.0.1",
		"-p", "9000",
		"--http-port", "8080",
		"--http-path", "/live.ts",
		"--low-watermark", "128KiB",
		"--high-watermark", "8 MiB",
		"--chunk-size", "188000",
		"--drain-timeout", "2s",
		"-e", "/tmp/producer.log",
		"--logLevel", "debug",
		"--logNoColor",
		"ffmpeg", "-i", "input", "-p", "ignored",
	)
	assert.Equal(t, []string{"ffmpeg", "-i", "input", "-p", "ignored"}, fs.Args())

	cfg, err := loadConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Service.Host)
	assert.Equal(t, "9000", cfg.Service.Port)
	assert.Equal(t, "8080", cfg.Service.HTTPPort)
	assert.Equal(t, "/live.ts", cfg.Service.HTTPPath)
	assert.Equal(t, service.ByteSize(128*1024), cfg.Service.LowWatermark)
	assert.Equal(t, service.ByteSize(8*1024*1024), cfg.Service.HighWatermark)
	assert.Equal(t, service.ByteSize(188000), cfg.Service.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.Service.DrainTimeout)
	assert.Equal(t, "/tmp/producer.log", cfg.StderrLog)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.LogNoColor)
	assert.False(t, cfg.LogNoTime)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
http_port: "7001"
content_type: video/mp2t
high_watermark: 4MiB
handshake_timeout: 3s
metrics_listen: 127.0.0.1:9100
`), 0o644))

	t.Setenv("TSRELAY_HTTP_PORT", "7002")
	t.Setenv("TSRELAY_LOW_WATERMARK", "1MiB")

	cfg, err := loadConfig(parseFlags(t, "--config", path, "--port", "7003", "cat"))
	require.NoError(t, err)

	// Flags take precedence over the environment, which takes precedence over the file.
	assert.Equal(t, "7003", cfg.Service.Port)
	assert.Equal(t, "7002", cfg.Service.HTTPPort)
	assert.Equal(t, service.ByteSize(1024*1024), cfg.Service.LowWatermark)
	assert.Equal(t, "video/mp2t", cfg.Service.ContentType)
	assert.Equal(t, service.ByteSize(4*1024*1024), cfg.Service.HighWatermark)
	assert.Equal(t, 3*time.Second, cfg.Service.HandshakeTimeout)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsListen)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(parseFlags(t, "--low-watermark", "4MiB", "--high-watermark", "1MiB", "cat"))
	require.Error(t, err)

	_, err = loadConfig(parseFlags(t, "--chunk-size", "lots", "cat"))
	require.Error(t, err)

	_, err = loadConfig(parseFlags(t, "--logLevel", "loud", "cat"))
	require.Error(t, err)

	_, err = loadConfig(parseFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "cat"))
	require.Error(t, err)

	_, err = loadConfig(parseFlags(t, "--kill-timeout", "-1s", "cat"))
	require.Error(t, err)
}

func TestRootCommandRequiresProducer(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"-p", "0"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	require.Error(t, cmd.Execute())
}
