// Package saga provides a generic implementation of the Saga pattern for
// long-running business transactions: an ordered sequence of locally
// committed steps, each with a compensating inverse applied in reverse
// order on failure.
// For info on the Saga pattern, see:
// https://speakerdeck.com/caitiem20/applying-the-saga-pattern
package saga

import (
	"context"
	"fmt"
	"sort"
)

type InvalidDefinitionError struct {
	s string
}

func (e InvalidDefinitionError) Error() string {
	return e.s
}

func NewInvalidDefinitionError(msg string, args ...interface{}) error {
	return InvalidDefinitionError{
		s: fmt.Sprintf(msg, args...),
	}
}

// StepFn is one side of a step: a forward execute or its compensating
// inverse. It receives the saga's shared payload, which steps may mutate
// to pass results (remote ids, etc) to later steps and to compensations
// of earlier steps. Steps run sequentially so no locking is needed.
type StepFn func(ctx context.Context, payload interface{}) StepOutcome

/*
 * A named unit of work within a saga. Execute is expected to be
 * effectful and non-idempotent. Compensate MUST be idempotent and safe
 * to call on a step whose Execute only partially succeeded.
 */
type Step struct {
	Name       string
	Order      int
	Execute    StepFn
	Compensate StepFn
}

/*
 * An ordered sequence of steps plus a stable name. Immutable after
 * construction.
 */
type Definition struct {
	name  string
	steps []Step
}

// MakeDefinition validates the steps and returns a Definition with the
// steps sorted by ascending order. Duplicate or non-positive orders,
// unnamed steps, and missing functions are rejected.
func MakeDefinition(name string, steps ...Step) (*Definition, error) {
	if name == "" {
		return nil, NewInvalidDefinitionError("saga name cannot be the empty string")
	}
	if len(steps) == 0 {
		return nil, NewInvalidDefinitionError("saga %s must have at least one step", name)
	}

	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	seen := make(map[int]string)
	for _, step := range sorted {
		if step.Name == "" {
			return nil, NewInvalidDefinitionError("saga %s has a step with no name", name)
		}
		if step.Order <= 0 {
			return nil, NewInvalidDefinitionError("step %s must have a strictly positive order, got %d", step.Name, step.Order)
		}
		if prev, ok := seen[step.Order]; ok {
			return nil, NewInvalidDefinitionError("steps %s and %s share order %d", prev, step.Name, step.Order)
		}
		seen[step.Order] = step.Name
		if step.Execute == nil {
			return nil, NewInvalidDefinitionError("step %s has no execute function", step.Name)
		}
		if step.Compensate == nil {
			return nil, NewInvalidDefinitionError("step %s has no compensate function", step.Name)
		}
	}

	return &Definition{name: name, steps: sorted}, nil
}

func (d *Definition) Name() string {
	return d.name
}

// Steps returns a copy of the ordered steps.
func (d *Definition) Steps() []Step {
	steps := make([]Step, len(d.steps))
	copy(steps, d.steps)
	return steps
}

func (d *Definition) NumSteps() int {
	return len(d.steps)
}
