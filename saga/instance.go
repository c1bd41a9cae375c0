package saga

import (
	"fmt"

	"github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
)

/*
 * Per-execution state of a running saga. Owned exclusively by the
 * goroutine driving the execution; never shared across threads.
 */
type Instance struct {
	id       string
	def      *Definition
	payload  interface{}
	executed []Step
	status   Status
}

func makeInstance(def *Definition, payload interface{}) (*Instance, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating saga id")
	}
	return &Instance{
		id:      u.String(),
		def:     def,
		payload: payload,
		status:  Pending,
	}, nil
}

func (i *Instance) SagaId() string {
	return i.id
}

func (i *Instance) Definition() *Definition {
	return i.def
}

func (i *Instance) Status() Status {
	return i.status
}

// ExecutedSteps returns the steps recorded as executed, in execution
// order. Compensation walks this list in reverse.
func (i *Instance) ExecutedSteps() []Step {
	steps := make([]Step, len(i.executed))
	copy(steps, i.executed)
	return steps
}

func (i *Instance) recordExecuted(step Step) {
	i.executed = append(i.executed, step)
}

func (i *Instance) String() string {
	return fmt.Sprintf("{ SagaId: %v, Saga: %v, Status: %v, Executed: %d/%d }",
		i.id, i.def.Name(), i.status, len(i.executed), i.def.NumSteps())
}
