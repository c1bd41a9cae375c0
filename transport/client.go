// Package transport provides an HTTP/JSON client wrapped in the
// resilience pipeline. Each call is bounded by the timeout policy, then
// retried per policy; any response status >= 400 is a failure visible to
// retry classification (4xx permanent, 5xx transient).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"

	"github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/stats"
	"github.com/scootdev/stitch/common/trace"
	"github.com/scootdev/stitch/resilience"
)

// Doer abstracts the request/response primitive so tests can stub it.
type Doer interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// MakePesterClient returns the default underlying client. Policy-level
// retries are owned by the resilience pipeline, so pester is left at one
// try and only contributes its connection handling.
func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = 1
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

// HTTPError carries a non-2xx response for retry classification and for
// callers that want the status and body.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http request failed: %s", e.Status)
}

// ResilientClient applies the resilience pipeline over an HTTP
// request/response function and deserializes JSON responses.
type ResilientClient struct {
	base   Doer
	policy *resilience.Policy
	rec    *stats.Recorder
	tracer *trace.Tracer
}

// NewResilientClient builds a client. base may be nil to use the default
// pester client; policy may be nil to apply only the default timeout.
func NewResilientClient(base Doer, policy *resilience.Policy, stat stats.StatsReceiver, tracer *trace.Tracer) *ResilientClient {
	if base == nil {
		base = MakePesterClient()
	}
	if policy == nil {
		policy = resilience.NewPolicy(nil, nil, 0)
	}
	return &ResilientClient{
		base:   base,
		policy: policy,
		rec:    stats.NewRecorder(stat),
		tracer: tracer,
	}
}

// GetJSON issues a GET and unmarshals the 2xx response body into out.
// out may be nil to discard the body.
func (c *ResilientClient) GetJSON(ctx context.Context, rawURL string, out interface{}) error {
	return c.roundTrip(ctx, http.MethodGet, rawURL, nil, out)
}

// PostJSON marshals in as the request body, issues a POST, and
// unmarshals the 2xx response body into out.
func (c *ResilientClient) PostJSON(ctx context.Context, rawURL string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshaling request body")
		}
	}
	return c.roundTrip(ctx, http.MethodPost, rawURL, body, out)
}

// Delete issues a DELETE, discarding any response body.
func (c *ResilientClient) Delete(ctx context.Context, rawURL string) error {
	return c.roundTrip(ctx, http.MethodDelete, rawURL, nil, nil)
}

func (c *ResilientClient) roundTrip(ctx context.Context, method, rawURL string, body []byte, out interface{}) error {
	endpoint := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		endpoint = u.Path
	}

	ctx, span := c.tracer.StartSpan(ctx, "HTTP "+method, trace.KindClient)
	defer span.End()
	span.AddTag("http.method", method)
	span.AddTag("http.url", rawURL)

	start := time.Now()
	statusCode := 0

	err := c.policy.Execute(ctx, func(ctx context.Context) error {
		// The request is rebuilt per attempt so the body can be re-read.
		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(errors.Wrap(err, "building request"))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.base.Do(req)
		if err != nil {
			// Cancellation propagates as cancellation, not a retry trigger;
			// the classifier unwraps the url.Error chain.
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "reading response body")
		}
		statusCode = resp.StatusCode

		if resp.StatusCode >= 400 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: data}
			if resp.StatusCode < 500 {
				return resilience.Permanent(httpErr)
			}
			return httpErr
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return resilience.Permanent(errors.Wrap(err, "unmarshaling response body"))
			}
		}
		return nil
	})

	c.rec.RecordHTTPRequest(method, endpoint, statusCode, time.Since(start))
	span.AddTag("http.status_code", fmt.Sprintf("%d", statusCode))
	if err != nil {
		span.SetStatus(trace.StatusError, err.Error())
	} else {
		span.SetStatus(trace.StatusOk, "")
	}
	return err
}
