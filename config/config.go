// Package config parses the flat JSON configuration surface into the
// typed configs consumed by the engines. Every key is optional; missing
// keys fall back to documented defaults. Durations are strings parsed by
// time.ParseDuration, ex: "100ms", "1m", except circuitBreaker.samplingDuration,
// which is a whole number of seconds.
package config

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/scootdev/stitch/messaging"
	"github.com/scootdev/stitch/resilience"
)

type Config struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	Retry          RetryConfig          `json:"retry"`
	Timeout        TimeoutConfig        `json:"timeout"`
	Bus            BusConfig            `json:"bus"`
	Tracing        TracingConfig        `json:"tracing"`
}

type CircuitBreakerConfig struct {
	FailureThreshold  int     `json:"failureThreshold"`
	FailureRatio      float64 `json:"failureRatio"`
	OpenTimeout       string  `json:"openTimeout"`      // duration
	SamplingDuration  int     `json:"samplingDuration"` // seconds
	MinimumThroughput int     `json:"minimumThroughput"`
}

type RetryConfig struct {
	MaxAttempts           int     `json:"maxAttempts"`
	BaseDelay             string  `json:"baseDelay"` // duration
	UseExponentialBackoff *bool   `json:"useExponentialBackoff"`
	BackoffMultiplier     float64 `json:"backoffMultiplier"`
	UseJitter             *bool   `json:"useJitter"`
	MaxJitter             string  `json:"maxJitter"` // duration
}

type TimeoutConfig struct {
	Default string `json:"default"` // duration
}

type BusConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"password"`
	VirtualHost    string `json:"virtualHost"`
	Exchange       string `json:"exchange"`
	ServiceName    string `json:"serviceName"`
	ConnectionName string `json:"connectionName"`
}

type TracingConfig struct {
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	SamplingRatio  float64 `json:"samplingRatio"`
}

const (
	defaultFailureThreshold  = 5
	defaultFailureRatio      = 0.5
	defaultOpenTimeout       = 1 * time.Minute
	defaultSamplingSeconds   = 10
	defaultMinimumThroughput = 3

	defaultMaxAttempts       = 3
	defaultBaseDelay         = 1 * time.Second
	defaultBackoffMultiplier = 2.0
	defaultMaxJitter         = 100 * time.Millisecond

	defaultTimeout = 30 * time.Second

	defaultBusPort     = 5672
	defaultVirtualHost = "/"
	defaultExchange    = "microservices.events"
)

// Parse unmarshals text and validates it. Empty or nil text yields the
// defaults.
func Parse(text []byte) (*Config, error) {
	c := &Config{}
	if len(text) > 0 {
		if err := json.Unmarshal(text, c); err != nil {
			return nil, errors.Wrap(err, "parsing config")
		}
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return nil, errors.Errorf("tracing.samplingRatio must be within [0, 1], got %v", c.Tracing.SamplingRatio)
	}
	return c, nil
}

// Create resolves the circuit breaker config, applying defaults.
func (c *CircuitBreakerConfig) Create() (resilience.CircuitBreakerConfig, error) {
	cfg := resilience.CircuitBreakerConfig{
		FailureRatio:      c.FailureRatio,
		FailureThreshold:  c.FailureThreshold,
		MinimumThroughput: c.MinimumThroughput,
		BreakDuration:     defaultOpenTimeout,
		SamplingDuration:  time.Duration(defaultSamplingSeconds) * time.Second,
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = defaultFailureRatio
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.MinimumThroughput == 0 {
		cfg.MinimumThroughput = defaultMinimumThroughput
	}
	if c.SamplingDuration > 0 {
		cfg.SamplingDuration = time.Duration(c.SamplingDuration) * time.Second
	}
	if c.OpenTimeout != "" {
		d, err := time.ParseDuration(c.OpenTimeout)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing circuitBreaker.openTimeout")
		}
		cfg.BreakDuration = d
	}
	return cfg, nil
}

// Create resolves the retry config, applying defaults.
func (c *RetryConfig) Create() (resilience.RetryConfig, error) {
	cfg := resilience.RetryConfig{
		MaxAttempts:           c.MaxAttempts,
		BaseDelay:             defaultBaseDelay,
		UseExponentialBackoff: true,
		BackoffMultiplier:     c.BackoffMultiplier,
		UseJitter:             true,
		MaxJitter:             defaultMaxJitter,
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = defaultBackoffMultiplier
	}
	if c.UseExponentialBackoff != nil {
		cfg.UseExponentialBackoff = *c.UseExponentialBackoff
	}
	if c.UseJitter != nil {
		cfg.UseJitter = *c.UseJitter
	}
	if c.BaseDelay != "" {
		d, err := time.ParseDuration(c.BaseDelay)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing retry.baseDelay")
		}
		cfg.BaseDelay = d
	}
	if c.MaxJitter != "" {
		d, err := time.ParseDuration(c.MaxJitter)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing retry.maxJitter")
		}
		cfg.MaxJitter = d
	}
	return cfg, nil
}

// Create resolves the default operation timeout.
func (c *TimeoutConfig) Create() (time.Duration, error) {
	if c.Default == "" {
		return defaultTimeout, nil
	}
	d, err := time.ParseDuration(c.Default)
	if err != nil {
		return defaultTimeout, errors.Wrap(err, "parsing timeout.default")
	}
	return d, nil
}

// Create resolves the bus config, applying defaults.
func (c *BusConfig) Create() messaging.BusConfig {
	cfg := messaging.BusConfig{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		VirtualHost:    c.VirtualHost,
		Exchange:       c.Exchange,
		ServiceName:    c.ServiceName,
		ConnectionName: c.ConnectionName,
	}
	if cfg.Port == 0 {
		cfg.Port = defaultBusPort
	}
	if cfg.VirtualHost == "" {
		cfg.VirtualHost = defaultVirtualHost
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	return cfg
}
