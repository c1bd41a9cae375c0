package stats

/*
This file defines all the metrics being collected. The names are fixed to
support existing dashboards; as new metrics are added please follow this pattern.
*/

const (
	/************************* Transport metrics ****************************/
	/*
		number of HTTP requests issued through the resilient client
	*/
	HTTPRequestsCounter = "http_requests_total"

	/*
		time it takes the resilient client to complete a request, including
		retries and policy overhead
	*/
	HTTPRequestLatency_ms = "http_request_duration_ms"

	/************************* Resilience metrics ***************************/
	/*
		number of circuit breaker state transitions, tagged with the breaker
		name and the from/to states
	*/
	CircuitBreakerStateChangeCounter = "circuit_breaker_state_changes_total"

	/*
		number of retry attempts past the first, tagged with the operation
		name, attempt number and whether the attempt succeeded
	*/
	RetryAttemptsCounter = "retry_attempts_total"

	/************************* Saga metrics *********************************/
	/*
		number of saga executions reaching a terminal status
	*/
	SagaExecutionsCounter = "saga_executions_total"

	/*
		end to end saga execution time, compensation included
	*/
	SagaExecutionLatency_ms = "saga_execution_duration_ms"

	/*
		per step execution time within a saga
	*/
	SagaStepLatency_ms = "saga_step_execution_duration_ms"

	/************************* Messaging metrics ****************************/
	/*
		number of bus operations (publish, consume, request, reply)
	*/
	MessageOperationsCounter = "message_operations_total"

	/*
		time spent in a single bus operation
	*/
	MessageOperationLatency_ms = "message_operation_duration_ms"

	/************************* Process metrics ******************************/
	/*
		time it takes a health check probe to complete
	*/
	HealthCheckLatency_ms = "health_check_duration_ms"

	/*
		bytes of heap currently allocated, sampled periodically
	*/
	MemoryUsageGauge = "memory_usage_bytes"

	/*
		number of live bus connections owned by this process
	*/
	ActiveConnectionsGauge = "active_connections"
)

/*
Standard tag names. Recorders in this package use these keys so that
dashboards can rely on a single tag vocabulary.
*/
const (
	TagMethod             = "method"
	TagEndpoint           = "endpoint"
	TagStatusCode         = "status_code"
	TagCircuitBreakerName = "circuit_breaker_name"
	TagFromState          = "from_state"
	TagToState            = "to_state"
	TagOperation          = "operation"
	TagAttemptNumber      = "attempt_number"
	TagIsSuccessful       = "is_successful"
	TagSagaName           = "saga_name"
	TagResult             = "result"
	TagStepCount          = "step_count"
	TagMessageType        = "message_type"
	TagStatus             = "status"
)
