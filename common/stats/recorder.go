package stats

import (
	"context"
	"runtime"
	"strconv"
	"time"
)

// Recorder provides the typed convenience operations used by the stitch
// engines. It maps each operation onto the fixed instrument names in
// stats_names.go with the standard tag vocabulary, so dashboards see one
// consistent surface no matter which engine recorded the data.
//
// A Recorder constructed from a nil receiver records nothing.
type Recorder struct {
	stat StatsReceiver
}

func NewRecorder(stat StatsReceiver) *Recorder {
	if stat == nil {
		stat = NilStatsReceiver()
	}
	return &Recorder{stat: stat}
}

// Returns the receiver this Recorder writes to.
func (r *Recorder) Stats() StatsReceiver {
	return r.stat
}

func (r *Recorder) RecordHTTPRequest(method, endpoint string, statusCode int, dur time.Duration) {
	tags := Tags{
		TagMethod:     method,
		TagEndpoint:   endpoint,
		TagStatusCode: strconv.Itoa(statusCode),
	}
	r.stat.Counter(TaggedName(HTTPRequestsCounter, tags)).Inc(1)
	r.stat.Latency(TaggedName(HTTPRequestLatency_ms, Tags{TagMethod: method, TagEndpoint: endpoint})).Record(dur)
}

func (r *Recorder) RecordCircuitBreakerStateChange(name, from, to string) {
	tags := Tags{
		TagCircuitBreakerName: name,
		TagFromState:          from,
		TagToState:            to,
	}
	r.stat.Counter(TaggedName(CircuitBreakerStateChangeCounter, tags)).Inc(1)
}

func (r *Recorder) RecordRetryAttempt(operation string, attempt int, successful bool) {
	tags := Tags{
		TagOperation:     operation,
		TagAttemptNumber: strconv.Itoa(attempt),
		TagIsSuccessful:  strconv.FormatBool(successful),
	}
	r.stat.Counter(TaggedName(RetryAttemptsCounter, tags)).Inc(1)
}

func (r *Recorder) RecordSagaExecution(sagaName, result string, stepCount int, dur time.Duration) {
	tags := Tags{
		TagSagaName:  sagaName,
		TagResult:    result,
		TagStepCount: strconv.Itoa(stepCount),
	}
	r.stat.Counter(TaggedName(SagaExecutionsCounter, tags)).Inc(1)
	r.stat.Latency(TaggedName(SagaExecutionLatency_ms, Tags{TagSagaName: sagaName, TagResult: result})).Record(dur)
}

func (r *Recorder) RecordSagaStep(sagaName, stepName, result string, dur time.Duration) {
	tags := Tags{
		TagSagaName:  sagaName,
		TagOperation: stepName,
		TagResult:    result,
	}
	r.stat.Latency(TaggedName(SagaStepLatency_ms, tags)).Record(dur)
}

func (r *Recorder) RecordMessageOperation(operation, messageType, status string, dur time.Duration) {
	tags := Tags{
		TagOperation:   operation,
		TagMessageType: messageType,
		TagStatus:      status,
	}
	r.stat.Counter(TaggedName(MessageOperationsCounter, tags)).Inc(1)
	r.stat.Latency(TaggedName(MessageOperationLatency_ms, Tags{TagOperation: operation, TagMessageType: messageType})).Record(dur)
}

func (r *Recorder) RecordHealthCheck(endpoint, status string, dur time.Duration) {
	tags := Tags{
		TagEndpoint: endpoint,
		TagStatus:   status,
	}
	r.stat.Latency(TaggedName(HealthCheckLatency_ms, tags)).Record(dur)
}

func (r *Recorder) SetMemoryUsage(bytes int64) {
	r.stat.Gauge(MemoryUsageGauge).Update(bytes)
}

func (r *Recorder) SetActiveConnections(n int64) {
	r.stat.Gauge(ActiveConnectionsGauge).Update(n)
}

// StartRuntimeGauges periodically samples process level gauges
// (memory_usage_bytes) until the returned cancel func is called.
func StartRuntimeGauges(stat StatsReceiver, interval time.Duration) (cancel func()) {
	rec := NewRecorder(stat)
	ctx, cancelCtx := context.WithCancel(context.Background())
	ticker := Time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C():
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				rec.SetMemoryUsage(int64(ms.HeapAlloc))
			}
		}
	}()
	return cancelCtx
}
