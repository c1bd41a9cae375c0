package saga

import (
	"context"
	"testing"
)

func noopStep(ctx context.Context, payload interface{}) StepOutcome {
	return StepSuccess()
}

func makeStep(name string, order int) Step {
	return Step{Name: name, Order: order, Execute: noopStep, Compensate: noopStep}
}

func TestMakeDefinitionSortsSteps(t *testing.T) {
	def, err := MakeDefinition("order", makeStep("c", 30), makeStep("a", 10), makeStep("b", 20))
	if err != nil {
		t.Fatal("Expected a valid definition, got", err)
	}

	steps := def.Steps()
	want := []string{"a", "b", "c"}
	for i, name := range want {
		if steps[i].Name != name {
			t.Error("Expected steps sorted by order, got", steps[i].Name, "at", i)
		}
	}
}

func TestMakeDefinitionRejectsDuplicateOrders(t *testing.T) {
	_, err := MakeDefinition("order", makeStep("a", 1), makeStep("b", 1))
	if err == nil {
		t.Error("Expected duplicate orders to be rejected at definition time")
	}
}

func TestMakeDefinitionRejectsNonPositiveOrder(t *testing.T) {
	_, err := MakeDefinition("order", makeStep("a", 0))
	if err == nil {
		t.Error("Expected a non-positive order to be rejected")
	}
	_, err = MakeDefinition("order", makeStep("a", -3))
	if err == nil {
		t.Error("Expected a negative order to be rejected")
	}
}

func TestMakeDefinitionRejectsIncompleteSteps(t *testing.T) {
	_, err := MakeDefinition("order", Step{Name: "a", Order: 1, Execute: noopStep})
	if err == nil {
		t.Error("Expected a step without a compensate function to be rejected")
	}
	_, err = MakeDefinition("order", Step{Name: "a", Order: 1, Compensate: noopStep})
	if err == nil {
		t.Error("Expected a step without an execute function to be rejected")
	}
	_, err = MakeDefinition("order", Step{Order: 1, Execute: noopStep, Compensate: noopStep})
	if err == nil {
		t.Error("Expected an unnamed step to be rejected")
	}
}

func TestMakeDefinitionRejectsEmpty(t *testing.T) {
	if _, err := MakeDefinition("order"); err == nil {
		t.Error("Expected a definition with no steps to be rejected")
	}
	if _, err := MakeDefinition("", makeStep("a", 1)); err == nil {
		t.Error("Expected an unnamed definition to be rejected")
	}
}
