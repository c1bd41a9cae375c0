package config

import (
	"testing"
	"time"
)

func TestParseEmptyYieldsDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal("Expected empty config to parse, got", err)
	}

	cb, err := c.CircuitBreaker.Create()
	if err != nil {
		t.Fatal(err)
	}
	if cb.FailureThreshold != 5 || cb.FailureRatio != 0.5 || cb.MinimumThroughput != 3 {
		t.Error("Expected breaker defaults, got", cb)
	}
	if cb.BreakDuration != time.Minute || cb.SamplingDuration != 10*time.Second {
		t.Error("Expected breaker duration defaults, got", cb)
	}

	retry, err := c.Retry.Create()
	if err != nil {
		t.Fatal(err)
	}
	if retry.MaxAttempts != 3 || retry.BaseDelay != time.Second {
		t.Error("Expected retry defaults, got", retry)
	}
	if !retry.UseExponentialBackoff || retry.BackoffMultiplier != 2.0 {
		t.Error("Expected exponential backoff by default, got", retry)
	}
	if !retry.UseJitter || retry.MaxJitter != 100*time.Millisecond {
		t.Error("Expected jitter by default, got", retry)
	}

	timeout, err := c.Timeout.Create()
	if err != nil {
		t.Fatal(err)
	}
	if timeout != 30*time.Second {
		t.Error("Expected the default timeout, got", timeout)
	}

	bus := c.Bus.Create()
	if bus.Port != 5672 || bus.VirtualHost != "/" || bus.Exchange != "microservices.events" {
		t.Error("Expected bus defaults, got", bus)
	}
}

func TestParseOverrides(t *testing.T) {
	text := []byte(`{
		"circuitBreaker": {"failureThreshold": 2, "openTimeout": "100ms", "samplingDuration": 5, "minimumThroughput": 1},
		"retry": {"maxAttempts": 7, "baseDelay": "10ms", "useExponentialBackoff": false, "useJitter": false},
		"timeout": {"default": "5s"},
		"bus": {"host": "mq.internal", "port": 5673, "serviceName": "orders", "exchange": "orders.events"},
		"tracing": {"serviceName": "orders", "samplingRatio": 0.25}
	}`)

	c, err := Parse(text)
	if err != nil {
		t.Fatal("Expected the config to parse, got", err)
	}

	cb, err := c.CircuitBreaker.Create()
	if err != nil {
		t.Fatal(err)
	}
	if cb.FailureThreshold != 2 || cb.BreakDuration != 100*time.Millisecond {
		t.Error("Expected breaker overrides, got", cb)
	}
	if cb.SamplingDuration != 5*time.Second || cb.MinimumThroughput != 1 {
		t.Error("Expected breaker overrides, got", cb)
	}

	retry, err := c.Retry.Create()
	if err != nil {
		t.Fatal(err)
	}
	if retry.MaxAttempts != 7 || retry.BaseDelay != 10*time.Millisecond {
		t.Error("Expected retry overrides, got", retry)
	}
	if retry.UseExponentialBackoff || retry.UseJitter {
		t.Error("Expected backoff and jitter disabled, got", retry)
	}

	timeout, err := c.Timeout.Create()
	if err != nil {
		t.Fatal(err)
	}
	if timeout != 5*time.Second {
		t.Error("Expected the timeout override, got", timeout)
	}

	bus := c.Bus.Create()
	if bus.Host != "mq.internal" || bus.Port != 5673 || bus.Exchange != "orders.events" {
		t.Error("Expected bus overrides, got", bus)
	}
	if c.Tracing.SamplingRatio != 0.25 {
		t.Error("Expected the tracing sampling ratio, got", c.Tracing.SamplingRatio)
	}
}

func TestParseRejectsBadDurations(t *testing.T) {
	c, err := Parse([]byte(`{"retry": {"baseDelay": "soon"}}`))
	if err != nil {
		t.Fatal("Expected parse to defer duration validation, got", err)
	}
	if _, err := c.Retry.Create(); err == nil {
		t.Error("Expected a bad duration to be rejected")
	}
}

func TestParseRejectsBadSamplingRatio(t *testing.T) {
	if _, err := Parse([]byte(`{"tracing": {"samplingRatio": 1.5}}`)); err == nil {
		t.Error("Expected an out-of-range sampling ratio to be rejected")
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{`)); err == nil {
		t.Error("Expected malformed JSON to be rejected")
	}
}
