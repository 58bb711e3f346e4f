package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/database64128/tsrelay-go/service"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix is the prefix of environment variables that override configuration keys.
const envPrefix = "TSRELAY"

// defaultKillTimeout is how long the producer is given to exit before it is killed.
const defaultKillTimeout = 5 * time.Second

// config is the complete configuration of the tsrelay command.
type config struct {
	Service service.Config `mapstructure:",squash"`

	// StderrLog is the file the producer's standard error is appended to.
	StderrLog string `mapstructure:"err"`

	// MetricsListen is the address to serve Prometheus metrics on. Empty disables metrics.
	MetricsListen string `mapstructure:"metrics_listen"`

	// KillTimeout is how long the producer may keep running after the relay stopped
	// before it is killed.
	KillTimeout time.Duration `mapstructure:"kill_timeout"`

	LogLevel   slog.Level `mapstructure:"log_level"`
	LogNoColor bool       `mapstructure:"log_no_color"`
	LogNoTime  bool       `mapstructure:"log_no_time"`
}

// flagKeys maps configuration keys to command line flag names.
var flagKeys = [...]struct {
	key  string
	flag string
}{
	{"host", "host"},
	{"port", "port"},
	{"http_host", "http-host"},
	{"http_port", "http-port"},
	{"http_path", "http-path"},
	{"content_type", "content-type"},
	{"low_watermark", "low-watermark"},
	{"high_watermark", "high-watermark"},
	{"chunk_size", "chunk-size"},
	{"drain_timeout", "drain-timeout"},
	{"handshake_timeout", "handshake-timeout"},
	{"err", "err"},
	{"metrics_listen", "metrics-listen"},
	{"kill_timeout", "kill-timeout"},
	{"log_level", "logLevel"},
	{"log_no_color", "logNoColor"},
	{"log_no_time", "logNoTime"},
}

// addFlags defines the command line flags. Their defaults are the configuration defaults.
func addFlags(fs *pflag.FlagSet) {
	def := service.DefaultConfig()
	fs.StringP("host", "H", def.Host, "Listen host of the raw TCP endpoint (empty for all interfaces)")
	fs.StringP("port", "p", def.Port, "Listen port of the raw TCP endpoint")
	fs.String("http-host", def.HTTPHost, "Listen host of the HTTP endpoint (empty for all interfaces)")
	fs.String("http-port", def.HTTPPort, "Listen port of the HTTP endpoint (empty to disable)")
	fs.String("http-path", def.HTTPPath, "Request path of the HTTP stream")
	fs.String("content-type", def.ContentType, "Content-Type of the HTTP stream")
	fs.String("low-watermark", def.LowWatermark.String(), "Queue size above which a consumer is reported as lagging")
	fs.String("high-watermark", def.HighWatermark.String(), "Queue size above which a consumer is disconnected")
	fs.String("chunk-size", def.ChunkSize.String(), "Maximum size of a single read from the producer")
	fs.Duration("drain-timeout", def.DrainTimeout, "How long consumers may keep draining after the stream ended")
	fs.Duration("handshake-timeout", def.HandshakeTimeout, "How long HTTP clients may take to send request headers")
	fs.StringP("err", "e", "", "Append the producer's standard error to this file")
	fs.String("metrics-listen", "", "Serve Prometheus metrics on this address (empty to disable)")
	fs.Duration("kill-timeout", defaultKillTimeout, "How long the producer may run after the relay stopped before it is killed")
	fs.String("logLevel", slog.LevelInfo.String(), "Log level")
	fs.Bool("logNoColor", false, "Disable colors in log output")
	fs.Bool("logNoTime", false, "Disable timestamps in log output")
	fs.String("config", "", "Path to an optional configuration file (JSON, YAML or TOML)")
}

// loadConfig layers the configuration file, environment variables and flags, in increasing precedence.
func loadConfig(fs *pflag.FlagSet) (*config, error) {
	v := viper.New()

	for _, fk := range flagKeys {
		if err := v.BindPFlag(fk.key, fs.Lookup(fk.flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %q: %w", fk.flag, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path, err := fs.GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err = v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
	}

	var cfg config
	if err = v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err = cfg.Service.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.KillTimeout < 0 {
		return nil, fmt.Errorf("invalid configuration: negative kill timeout %s", cfg.KillTimeout)
	}

	return &cfg, nil
}
