// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package fwdproxy holds the process configuration of the forwarding proxy.
package fwdproxy

import (
	"fmt"
	"time"

	"github.com/absmach/fwdproxy/pkg/breaker"
	"github.com/absmach/fwdproxy/pkg/pool"
	"github.com/absmach/fwdproxy/pkg/proxy"
	"github.com/absmach/fwdproxy/pkg/ratelimit"
	"github.com/absmach/fwdproxy/pkg/session"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FWDPROXY_"

// Config holds the configuration of the proxy process.
type Config struct {
	// Listener
	Address         string        `env:"ADDRESS"          envDefault:":8080"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"10000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Sessions
	MaxHeaderBytes     int           `env:"MAX_HEADER_BYTES"    envDefault:"65536"`
	BufferSize         int           `env:"BUFFER_SIZE"         envDefault:"32768"`
	IdleTimeout        time.Duration `env:"IDLE_TIMEOUT"        envDefault:"60s"`
	HeaderTimeout      time.Duration `env:"HEADER_TIMEOUT"      envDefault:"10s"`
	ResponseTimeout    time.Duration `env:"RESPONSE_TIMEOUT"    envDefault:"60s"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT"       envDefault:"30s"`
	TransactionTimeout time.Duration `env:"TRANSACTION_TIMEOUT" envDefault:"0s"`
	ContinueTimeout    time.Duration `env:"CONTINUE_TIMEOUT"    envDefault:"1s"`

	// Connection Pooling
	PoolMaxIdlePerHost  int           `env:"POOL_MAX_IDLE_PER_HOST" envDefault:"10"`
	PoolIdleTimeout     time.Duration `env:"POOL_IDLE_TIMEOUT"      envDefault:"90s"`
	PoolMaxConnLifetime time.Duration `env:"POOL_MAX_CONN_LIFETIME" envDefault:"30m"`
	DialTimeout         time.Duration `env:"DIAL_TIMEOUT"           envDefault:"10s"`

	// Circuit Breaker
	BreakerEnabled      bool          `env:"BREAKER_ENABLED"       envDefault:"true"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Rate Limiting
	RateLimit       float64 `env:"RATE_LIMIT"        envDefault:"0"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST"  envDefault:"0"`
	GlobalRateLimit float64 `env:"GLOBAL_RATE_LIMIT" envDefault:"0"`
	GlobalRateBurst int     `env:"GLOBAL_RATE_BURST" envDefault:"0"`

	// Policy
	PolicyFile string `env:"POLICY_FILE"`

	// Observability
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`
	HealthAddress  string `env:"HEALTH_ADDRESS"  envDefault:":8081"`
	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT"      envDefault:"json"`
}

// NewConfig parses the environment. The zero Options select EnvPrefix.
func NewConfig(opts env.Options) (Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = EnvPrefix
	}
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the proxy cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("%sADDRESS must not be empty", EnvPrefix)
	case c.MaxHeaderBytes < 1024:
		return fmt.Errorf("%sMAX_HEADER_BYTES must be at least 1024, got %d", EnvPrefix, c.MaxHeaderBytes)
	case c.RateLimit < 0 || c.GlobalRateLimit < 0:
		return fmt.Errorf("rate limits must not be negative")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"IDLE_TIMEOUT", c.IdleTimeout},
		{"HEADER_TIMEOUT", c.HeaderTimeout},
		{"RESPONSE_TIMEOUT", c.ResponseTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
		{"TRANSACTION_TIMEOUT", c.TransactionTimeout},
		{"CONTINUE_TIMEOUT", c.ContinueTimeout},
		{"POOL_IDLE_TIMEOUT", c.PoolIdleTimeout},
		{"POOL_MAX_CONN_LIFETIME", c.PoolMaxConnLifetime},
		{"DIAL_TIMEOUT", c.DialTimeout},
		{"BREAKER_RESET_TIMEOUT", c.BreakerResetTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s%s must not be negative, got %v", EnvPrefix, d.name, d.d)
		}
	}
	return nil
}

// HTTP returns the proxy configuration described by c. Policy, logger and
// breaker callback are left for the caller.
func (c Config) HTTP() proxy.HTTPConfig {
	cfg := proxy.HTTPConfig{
		Address:         c.Address,
		MaxConnections:  c.MaxConnections,
		ShutdownTimeout: c.ShutdownTimeout,
		Session: session.Config{
			MaxHeaderBytes:     c.MaxHeaderBytes,
			BufferSize:         c.BufferSize,
			IdleTimeout:        c.IdleTimeout,
			HeaderTimeout:      c.HeaderTimeout,
			ResponseTimeout:    c.ResponseTimeout,
			WriteTimeout:       c.WriteTimeout,
			TransactionTimeout: c.TransactionTimeout,
			ContinueTimeout:    c.ContinueTimeout,
		},
		Pool: pool.Config{
			MaxIdlePerHost:  c.PoolMaxIdlePerHost,
			IdleTimeout:     c.PoolIdleTimeout,
			MaxConnLifetime: c.PoolMaxConnLifetime,
			DialTimeout:     c.DialTimeout,
		},
		RateLimit: ratelimit.Config{
			Rate:        c.RateLimit,
			Burst:       c.RateLimitBurst,
			GlobalRate:  c.GlobalRateLimit,
			GlobalBurst: c.GlobalRateBurst,
		},
	}
	if c.BreakerEnabled {
		cfg.Breaker = &breaker.Config{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		}
	}
	return cfg
}
