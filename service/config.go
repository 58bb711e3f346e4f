package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/database64128/tsrelay-go/internal/httphelper"
	"github.com/database64128/tsrelay-go/service/internal/consumer"
	"github.com/dustin/go-humanize"
)

const (
	// DefaultPort is the default port of the raw TCP endpoint.
	DefaultPort = "11234"

	// DefaultHTTPPath is the default request path of the HTTP endpoint.
	DefaultHTTPPath = "/"

	// DefaultChunkSize is the default maximum size of a single upstream read.
	DefaultChunkSize = 4 * 1024 * 1024

	// DefaultDrainTimeout is the default time consumers are given to drain their queues on shutdown.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultHandshakeTimeout is the default time an HTTP client is given to send its request headers.
	DefaultHandshakeTimeout = 10 * time.Second
)

// ByteSize is a size in bytes. Its text form accepts humanized sizes such as "64KiB" or "2 MB".
type ByteSize uint64

// String returns the size in IEC units.
func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}

// MarshalText implements [encoding.TextMarshaler].
func (s ByteSize) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}
	*s = ByteSize(n)
	return nil
}

// Config is the configuration of a relay [Server].
type Config struct {
	// Host is the listen host of the raw TCP endpoint. Empty means all interfaces.
	Host string `json:"host,omitzero" mapstructure:"host"`

	// Port is the listen port or service name of the raw TCP endpoint.
	Port string `json:"port" mapstructure:"port"`

	// HTTPHost is the listen host of the HTTP endpoint. Empty means all interfaces.
	HTTPHost string `json:"http_host,omitzero" mapstructure:"http_host"`

	// HTTPPort is the listen port of the HTTP endpoint. Empty disables the endpoint.
	HTTPPort string `json:"http_port,omitzero" mapstructure:"http_port"`

	// HTTPPath is the request path that serves the stream.
	HTTPPath string `json:"http_path,omitzero" mapstructure:"http_path"`

	// ContentType is the Content-Type of HTTP stream responses.
	ContentType string `json:"content_type,omitzero" mapstructure:"content_type"`

	// LowWatermark is the queue length above which a consumer is reported as lagging.
	LowWatermark ByteSize `json:"low_watermark,omitzero" mapstructure:"low_watermark"`

	// HighWatermark is the queue length above which a consumer is disconnected.
	HighWatermark ByteSize `json:"high_watermark,omitzero" mapstructure:"high_watermark"`

	// ChunkSize is the maximum number of bytes read from the producer at once.
	ChunkSize ByteSize `json:"chunk_size,omitzero" mapstructure:"chunk_size"`

	// DrainTimeout bounds how long consumers may keep draining after the stream ended.
	DrainTimeout time.Duration `json:"drain_timeout,omitzero" mapstructure:"drain_timeout"`

	// HandshakeTimeout bounds how long an HTTP client may take to send its request headers.
	HandshakeTimeout time.Duration `json:"handshake_timeout,omitzero" mapstructure:"handshake_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		HTTPPath:         DefaultHTTPPath,
		ContentType:      httphelper.DefaultContentType,
		LowWatermark:     consumer.DefaultLowWatermark,
		HighWatermark:    consumer.DefaultHighWatermark,
		ChunkSize:        DefaultChunkSize,
		DrainTimeout:     DefaultDrainTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Validate fills in defaults for unset optional fields and checks the configuration for consistency.
func (cfg *Config) Validate() error {
	def := DefaultConfig()
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.HTTPPath == "" {
		cfg.HTTPPath = def.HTTPPath
	}
	if cfg.ContentType == "" {
		cfg.ContentType = def.ContentType
	}
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = def.HighWatermark
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	var errs []error
	if !strings.HasPrefix(cfg.HTTPPath, "/") {
		errs = append(errs, fmt.Errorf("http path %q must start with '/'", cfg.HTTPPath))
	}
	if !httphelper.ValidContentType(cfg.ContentType) {
		errs = append(errs, fmt.Errorf("invalid content type %q", cfg.ContentType))
	}
	if cfg.LowWatermark > cfg.HighWatermark {
		errs = append(errs, fmt.Errorf("low watermark %s exceeds high watermark %s", cfg.LowWatermark, cfg.HighWatermark))
	}
	if cfg.HighWatermark > ByteSize(maxInt) {
		errs = append(errs, fmt.Errorf("high watermark %s is too large", cfg.HighWatermark))
	}
	if cfg.ChunkSize > ByteSize(maxInt) {
		errs = append(errs, fmt.Errorf("chunk size %s is too large", cfg.ChunkSize))
	}
	if cfg.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("negative drain timeout %s", cfg.DrainTimeout))
	}
	if cfg.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("negative handshake timeout %s", cfg.HandshakeTimeout))
	}
	return errors.Join(errs...)
}

const maxInt = int(^uint(0) >> 1)

func (cfg *Config) watermarks() consumer.Watermarks {
	return consumer.Watermarks{
		Low:  int(cfg.LowWatermark),
		High: int(cfg.HighWatermark),
	}
}
