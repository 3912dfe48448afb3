package controller

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/quellops/quell/resource"
)

// WorkflowReconciler validates Workflow resources and resolves their sink
// references.
type WorkflowReconciler struct {
	registry *resource.Registry
	validate *validator.Validate
}

// NewWorkflowReconciler creates the Workflow reconciler.
func NewWorkflowReconciler(registry *resource.Registry) *WorkflowReconciler {
	return &WorkflowReconciler{registry: registry, validate: validator.New()}
}

func (r *WorkflowReconciler) Kind() resource.Kind { return resource.KindWorkflow }

func (r *WorkflowReconciler) Reconcile(_ context.Context, res *resource.Resource) error {
	spec := res.Workflow
	if spec == nil {
		return markInvalid(res, "missing workflow spec")
	}

	if err := r.validate.Struct(spec); err != nil {
		return markInvalid(res, err.Error())
	}
	if err := validateSteps(spec.Steps); err != nil {
		return markInvalid(res, err.Error())
	}
	res.Status.SetCondition(resource.ConditionValidated, "True", ReasonValid, "")

	for _, sinkName := range spec.Sinks {
		if _, ok := r.registry.GetByName(resource.KindSink, res.Metadata.Namespace, sinkName); !ok {
			res.Status.SetCondition(resource.ConditionSinkResolved, "False", ReasonSinkMissing,
				fmt.Sprintf("sink %q not found", sinkName))
			res.Status.Phase = resource.PhaseFailed
			return nil
		}
	}
	res.Status.SetCondition(resource.ConditionSinkResolved, "True", ReasonSinkResolved, "")

	res.Status.Phase = resource.PhaseReady
	return nil
}

// validateSteps enforces per-type requirements and unique names.
func validateSteps(steps []resource.Step) error {
	seen := map[string]bool{}
	for _, step := range steps {
		if seen[step.Name] {
			return fmt.Errorf("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true

		switch step.Type {
		case resource.StepCLI:
			if step.Command == "" {
				return fmt.Errorf("step %s: cli step requires command", step.Name)
			}
		case resource.StepAgent:
			if step.Agent == nil || step.Agent.Goal == "" {
				return fmt.Errorf("step %s: agent step requires agent.goal", step.Name)
			}
		case resource.StepConditional:
			if step.Condition == "" {
				return fmt.Errorf("step %s: conditional step requires condition", step.Name)
			}
		default:
			return fmt.Errorf("step %s: unknown type %q", step.Name, step.Type)
		}
	}
	return nil
}
