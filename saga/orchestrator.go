package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/luci/go-render/render"

	"github.com/scootdev/stitch/common/log"
	"github.com/scootdev/stitch/common/stats"
	"github.com/scootdev/stitch/common/trace"
)

/*
 * Orchestrator executes saga definitions: steps strictly in order, each
 * step starting only after its predecessor completed, with reverse-order
 * best-effort compensation of executed steps when a step fails.
 *
 * One orchestrator serves any number of concurrent saga executions; all
 * per-execution state lives in the Instance.
 */
type Orchestrator struct {
	rec    *stats.Recorder
	tracer *trace.Tracer
}

func MakeOrchestrator(stat stats.StatsReceiver, tracer *trace.Tracer) *Orchestrator {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Orchestrator{
		rec:    stats.NewRecorder(stat),
		tracer: tracer,
	}
}

// Run executes def against payload and blocks until a terminal outcome.
//
// On a step failure, every previously executed step is compensated in
// reverse order; each compensation is best-effort and a failed
// compensation does not stop the remaining ones, unless its outcome is
// marked non-compensatable, which halts the walk. If ctx is cancelled no
// further steps launch and compensation runs under a fresh context that
// cannot be cancelled; the cancellation surfaces to the caller after
// compensation completes.
func (o *Orchestrator) Run(ctx context.Context, def *Definition, payload interface{}) Outcome {
	inst, err := makeInstance(def, payload)
	if err != nil {
		return Outcome{Status: Pending, Payload: payload, Err: err}
	}

	start := time.Now()
	ctx, span := o.tracer.StartSpan(ctx, "saga "+def.Name(), trace.KindInternal)
	defer span.End()
	span.AddTag("saga.id", inst.SagaId())
	span.AddTag("saga.name", def.Name())

	logger := log.WithFields(map[string]interface{}{
		"saga_id": inst.SagaId(),
		"saga":    def.Name(),
	})
	logger.Info("saga started")
	span.AddEvent("saga.start", nil)

	var failed *StepError
	cancelled := false

	for _, step := range def.steps {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		outcome := o.executeStep(ctx, inst, step, span)
		if outcome.IsSuccess() {
			inst.recordExecuted(step)
			continue
		}

		if ctx.Err() != nil {
			// The step observed our cancellation; report the saga as
			// cancelled rather than failed.
			cancelled = true
			break
		}

		failed = &StepError{
			SagaId:   inst.SagaId(),
			StepName: step.Name,
			Reason:   outcome.Reason,
			Cause:    outcome.Cause,
		}
		break
	}

	if failed == nil && !cancelled {
		inst.status = Succeeded
		dur := time.Since(start)
		o.rec.RecordSagaExecution(def.Name(), "success", len(inst.executed), dur)
		span.SetStatus(trace.StatusOk, "")
		span.AddEvent("saga.end", map[string]string{"result": "success"})
		logger.Info("saga succeeded")
		return Outcome{
			SagaId:        inst.SagaId(),
			Status:        Succeeded,
			Payload:       inst.payload,
			ExecutedCount: len(inst.executed),
		}
	}

	// Compensation must complete even when the saga was cancelled.
	compCtx := context.WithoutCancel(ctx)
	compensationOk := o.compensate(compCtx, inst, span)

	var status Status
	var outErr error
	switch {
	case cancelled:
		status = Cancelled
		outErr = context.Cause(ctx)
		if outErr == nil {
			outErr = context.Canceled
		}
	case compensationOk:
		status = Compensated
		outErr = failed
	default:
		status = CompensationFailed
		outErr = failed
	}
	if cancelled && !compensationOk {
		// The original cancellation still surfaces; the compensation
		// failure is visible through stats and the span.
		span.AddEvent("saga.compensation_failed", nil)
	}

	inst.status = status
	dur := time.Since(start)
	o.rec.RecordSagaExecution(def.Name(), status.String(), len(inst.executed), dur)
	span.SetStatus(trace.StatusError, fmt.Sprintf("saga %s", status))
	span.AddEvent("saga.end", map[string]string{"result": status.String()})
	logger.Info("saga finished: ", render.Render(inst))

	return Outcome{
		SagaId:        inst.SagaId(),
		Status:        status,
		Payload:       inst.payload,
		ExecutedCount: len(inst.executed),
		Err:           outErr,
	}
}

// executeStep runs one forward step, bounding panics to a failed outcome.
func (o *Orchestrator) executeStep(ctx context.Context, inst *Instance, step Step, span *trace.Span) StepOutcome {
	start := time.Now()
	span.AddEvent("step.start", map[string]string{"step": step.Name})

	outcome := runStep(ctx, step.Execute, inst.payload)

	dur := time.Since(start)
	result := "success"
	if !outcome.IsSuccess() {
		result = "failure"
	}
	o.rec.RecordSagaStep(inst.def.Name(), step.Name, result, dur)
	span.AddEvent("step.end", map[string]string{"step": step.Name, "result": result})
	if !outcome.IsSuccess() {
		log.WithFields(map[string]interface{}{
			"saga_id": inst.SagaId(),
			"step":    step.Name,
		}).Error("saga step failed: ", outcome.Reason)
	}
	return outcome
}

// compensate walks the executed steps in reverse. Returns true if every
// compensation succeeded.
func (o *Orchestrator) compensate(ctx context.Context, inst *Instance, span *trace.Span) bool {
	span.AddEvent("compensation.start", nil)
	log.WithFields(map[string]interface{}{
		"saga_id": inst.SagaId(),
		"saga":    inst.def.Name(),
	}).Info("compensating executed steps")

	ok := true
	for i := len(inst.executed) - 1; i >= 0; i-- {
		step := inst.executed[i]
		start := time.Now()
		outcome := runStep(ctx, step.Compensate, inst.payload)
		dur := time.Since(start)

		result := "success"
		if !outcome.IsSuccess() {
			result = "failure"
			ok = false
		}
		o.rec.RecordSagaStep(inst.def.Name(), step.Name+".compensate", result, dur)
		span.AddEvent("compensation.end", map[string]string{"step": step.Name, "result": result})

		if outcome.IsSuccess() {
			continue
		}
		log.WithFields(map[string]interface{}{
			"saga_id": inst.SagaId(),
			"step":    step.Name,
		}).Error("compensation failed: ", outcome.Reason)
		if !outcome.Compensatable {
			// The state can't be unwound any further; stop the walk.
			span.AddEvent("compensation.halted", map[string]string{"step": step.Name})
			break
		}
	}
	return ok
}

// runStep confines panics in step code to a failed outcome.
func runStep(ctx context.Context, fn StepFn, payload interface{}) (outcome StepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = StepFailure(fmt.Sprintf("panic: %v", r), nil)
		}
	}()
	return fn(ctx, payload)
}
