// Package config loads the server's startup configuration the way the
// teacher repo's cmd/relay-server does: flag.*Var bound to package-scoped
// defaults sourced from environment variables.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config covers every key of spec §6.
type Config struct {
	HttpAddress string
	HttpPort    int
	UseHttps    bool

	KcpPort int

	KcpDualMode          bool
	KcpNoDelay           bool
	KcpIntervalMs        int
	KcpTimeoutMs         int
	KcpRecvBufferSize    int
	KcpSendBufferSize    int
	KcpFastResend        int
	KcpReceiveWindowSize int
	KcpSendWindowSize    int
	KcpMaxRetransmit     int
}

// KcpTimeout returns KcpTimeoutMs as a time.Duration.
func (c Config) KcpTimeout() time.Duration {
	return time.Duration(c.KcpTimeoutMs) * time.Millisecond
}

func envOrDefaultString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// RegisterFlags binds every Config field to a flag on fs, falling back to
// an environment variable and then a hard default, in the teacher's
// cmd/relay-server/main.go style.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HttpAddress, "http-address", envOrDefaultString("HTTP_ADDRESS", "0.0.0.0"), "HTTP control plane bind address (env: HTTP_ADDRESS)")
	fs.IntVar(&cfg.HttpPort, "http-port", envOrDefaultInt("HTTP_PORT", 8080), "HTTP control plane port (env: HTTP_PORT)")
	fs.BoolVar(&cfg.UseHttps, "use-https", envOrDefaultBool("USE_HTTPS", false), "recorded in config only; the control plane is always served over plain HTTP (env: USE_HTTPS)")

	fs.IntVar(&cfg.KcpPort, "kcp-port", envOrDefaultInt("KCP_PORT", 9000), "KCP data plane UDP port (env: KCP_PORT)")

	fs.BoolVar(&cfg.KcpDualMode, "kcp-dual-mode", envOrDefaultBool("KCP_DUAL_MODE", false), "recorded in config only; the KCP listener binds the same way whatever its value (env: KCP_DUAL_MODE)")
	fs.BoolVar(&cfg.KcpNoDelay, "kcp-no-delay", envOrDefaultBool("KCP_NO_DELAY", true), "enable KCP no-delay mode (env: KCP_NO_DELAY)")
	fs.IntVar(&cfg.KcpIntervalMs, "kcp-interval", envOrDefaultInt("KCP_INTERVAL", 10), "KCP internal update interval in ms (env: KCP_INTERVAL)")
	fs.IntVar(&cfg.KcpTimeoutMs, "kcp-timeout", envOrDefaultInt("KCP_TIMEOUT", 10000), "KCP idle timeout in ms; recorded in config only, no deadline is set from it (env: KCP_TIMEOUT)")
	fs.IntVar(&cfg.KcpRecvBufferSize, "kcp-recv-buffer", envOrDefaultInt("KCP_RECV_BUFFER", 7<<20), "KCP UDP receive buffer size in bytes (env: KCP_RECV_BUFFER)")
	fs.IntVar(&cfg.KcpSendBufferSize, "kcp-send-buffer", envOrDefaultInt("KCP_SEND_BUFFER", 7<<20), "KCP UDP send buffer size in bytes (env: KCP_SEND_BUFFER)")
	fs.IntVar(&cfg.KcpFastResend, "kcp-fast-resend", envOrDefaultInt("KCP_FAST_RESEND", 2), "KCP fast-resend trigger count (env: KCP_FAST_RESEND)")
	fs.IntVar(&cfg.KcpReceiveWindowSize, "kcp-receive-window", envOrDefaultInt("KCP_RECEIVE_WINDOW", 4096), "KCP receive window size in packets (env: KCP_RECEIVE_WINDOW)")
	fs.IntVar(&cfg.KcpSendWindowSize, "kcp-send-window", envOrDefaultInt("KCP_SEND_WINDOW", 4096), "KCP send window size in packets (env: KCP_SEND_WINDOW)")
	fs.IntVar(&cfg.KcpMaxRetransmit, "kcp-max-retransmit", envOrDefaultInt("KCP_MAX_RETRANSMIT", 40), "KCP max retransmit count; recorded in config only, not passed to kcp-go (env: KCP_MAX_RETRANSMIT)")
}
