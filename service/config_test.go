package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSizeText(t *testing.T) {
	for _, c := range []struct {
		text string
		want ByteSize
	}{
		{"0", 0},
		{"188", 188},
		{"64KiB", 64 * 1024},
		{"64 KiB", 64 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"1MB", 1000 * 1000},
		{"4 mib", 4 * 1024 * 1024},
	} {
		var s ByteSize
		require.NoError(t, s.UnmarshalText([]byte(c.text)), c.text)
		assert.Equal(t, c.want, s, c.text)
	}

	var s ByteSize
	require.Error(t, s.UnmarshalText([]byte("lots")))

	b, err := ByteSize(64 * 1024).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "64 KiB", string(b))
	assert.Equal(t, "2.0 MiB", ByteSize(2*1024*1024).String())
}

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "/", cfg.HTTPPath)
	assert.Equal(t, "video/mpegts", cfg.ContentType)
	assert.Equal(t, ByteSize(2*1024*1024), cfg.HighWatermark)
	assert.Equal(t, ByteSize(4*1024*1024), cfg.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)

	def := DefaultConfig()
	require.NoError(t, def.Validate())
	assert.Equal(t, ByteSize(64*1024), def.LowWatermark)
	assert.Equal(t, 5*time.Second, def.DrainTimeout)
}

func TestConfigValidateErrors(t *testing.T) {
	for _, c := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"RelativePath", func(cfg *Config) { cfg.HTTPPath = "live.ts" }},
		{"BadContentType", func(cfg *Config) { cfg.ContentType = "video/mp2t\r\nX-Evil: 1" }},
		{"LowAboveHigh", func(cfg *Config) { cfg.LowWatermark = 4096; cfg.HighWatermark = 1024 }},
		{"NegativeDrain", func(cfg *Config) { cfg.DrainTimeout = -time.Second }},
		{"NegativeHandshake", func(cfg *Config) { cfg.HandshakeTimeout = -time.Second }},
	} {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConfigWatermarks(t *testing.T) {
	cfg := DefaultConfig()
	wm := cfg.watermarks()
	assert.Equal(t, 64*1024, wm.Low)
	assert.Equal(t, 2*1024*1024, wm.High)
}
