package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the node's single HTTP listener, which carries
// the peer sync, quote and operator routes. Zero values fall back to the
// defaults applied by httpserver.New.
type HTTPServerConfig struct {
	// ListenAddr is where peers, callers and operators reach the node.
	ListenAddr string

	// MetricsAddr serves Prometheus metrics on a separate listener. Empty
	// disables it.
	MetricsAddr string

	// EnablePprof mounts /debug. Never enable it on a production enclave.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /readyz reports not ready before shutdown,
	// so peers rank the node down before it stops answering pages.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight sync pages and quotes
	// during shutdown.
	GracefulShutdownDuration time.Duration

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration

	// MaxHeaderBytes bounds request headers, which carry the attestation
	// headers and bearer tokens.
	MaxHeaderBytes int

	// MaxBodyBytes bounds request bodies, such as share ingestion and
	// restore uploads. Zero leaves bodies unbounded.
	MaxBodyBytes int64
}

const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxHeaderBytes    = 64 << 10
)
