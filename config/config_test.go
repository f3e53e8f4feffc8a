package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterFlagsAppliesDefaults(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)

	require.NoError(t, fs.Parse(nil))

	require.Equal(t, "0.0.0.0", cfg.HttpAddress)
	require.Equal(t, 8080, cfg.HttpPort)
	require.Equal(t, 9000, cfg.KcpPort)
	require.True(t, cfg.KcpNoDelay)
	require.Equal(t, 40, cfg.KcpMaxRetransmit)
}

func TestRegisterFlagsAppliesOverrides(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)

	require.NoError(t, fs.Parse([]string{"-http-port=9090", "-kcp-port=9001", "-kcp-no-delay=false"}))

	require.Equal(t, 9090, cfg.HttpPort)
	require.Equal(t, 9001, cfg.KcpPort)
	require.False(t, cfg.KcpNoDelay)
}

func TestRegisterFlagsHonorsEnvironmentOverDefault(t *testing.T) {
	t.Setenv("HTTP_PORT", "7777")

	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs, &cfg)
	require.NoError(t, fs.Parse(nil))

	require.Equal(t, 7777, cfg.HttpPort)
}

func TestKcpTimeoutConvertsMillisecondsToDuration(t *testing.T) {
	cfg := Config{KcpTimeoutMs: 2500}
	require.Equal(t, 2500*time.Millisecond, cfg.KcpTimeout())
}
