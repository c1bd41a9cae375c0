package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scootdev/stitch/common/stats"
	"github.com/scootdev/stitch/resilience"
)

type echoPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func testClient(policy *resilience.Policy) *ResilientClient {
	return NewResilientClient(http.DefaultClient, policy, stats.NilStatsReceiver(), nil)
}

func fastRetryPolicy(maxAttempts int) *resilience.Policy {
	retrier := resilience.NewRetrier("test", resilience.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
	}, stats.NilStatsReceiver())
	return resilience.NewPolicy(retrier, nil, time.Second)
}

func TestGetJSONSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name": "widget", "count": 7}`))
	}))
	defer server.Close()

	var out echoPayload
	err := testClient(fastRetryPolicy(1)).GetJSON(context.Background(), server.URL+"/widgets", &out)
	if err != nil {
		t.Fatal("Expected success, got", err)
	}
	if out.Name != "widget" || out.Count != 7 {
		t.Error("Expected the response to deserialize, got", out)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"name": "ok"}`))
	}))
	defer server.Close()

	var out echoPayload
	err := testClient(fastRetryPolicy(3)).GetJSON(context.Background(), server.URL, &out)
	if err != nil {
		t.Fatal("Expected success after retries, got", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Error("Expected three attempts against the server, got", got)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := testClient(fastRetryPolicy(5)).GetJSON(context.Background(), server.URL, nil)
	if !resilience.IsPermanent(err) {
		t.Error("Expected a 4xx to surface as permanent, got", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Error("Expected a single attempt for a permanent failure, got", got)
	}
}

func TestPostJSONSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Error("Expected a JSON content type, got", ct)
		}
		var in echoPayload
		if err := readJSON(r, &in); err != nil {
			t.Error("Expected a decodable body, got", err)
		}
		w.Write([]byte(`{"name": "` + in.Name + `", "count": 1}`))
	}))
	defer server.Close()

	var out echoPayload
	err := testClient(fastRetryPolicy(1)).PostJSON(context.Background(), server.URL, &echoPayload{Name: "gadget"}, &out)
	if err != nil {
		t.Fatal("Expected success, got", err)
	}
	if out.Name != "gadget" {
		t.Error("Expected the round-tripped name, got", out.Name)
	}
}

func TestRequestTimeoutSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	policy := resilience.NewPolicy(nil, nil, 30*time.Millisecond)
	err := testClient(policy).GetJSON(context.Background(), server.URL, nil)
	if !resilience.IsTimeout(err) {
		t.Error("Expected a TimeoutError, got", err)
	}
}

func TestCallerCancellationSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := testClient(fastRetryPolicy(5)).GetJSON(ctx, server.URL, nil)
	if !resilience.IsCancellation(err) {
		t.Error("Expected cancellation to propagate as cancellation, got", err)
	}
}

func TestHealthCheckRecordsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	stat := stats.DefaultStatsReceiver()
	checker := NewHealthChecker(testClient(fastRetryPolicy(1)), stat)
	if err := checker.Check(context.Background(), server.URL); err != nil {
		t.Fatal("Expected a healthy probe, got", err)
	}

	name := stats.TaggedName(stats.HealthCheckLatency_ms, stats.Tags{
		stats.TagEndpoint: server.URL,
		stats.TagStatus:   "healthy",
	})
	if got := stat.Latency(name).Capture().(stats.HistogramView).Count(); got != 1 {
		t.Error("Expected one healthy probe recorded, got", got)
	}
}

func readJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
