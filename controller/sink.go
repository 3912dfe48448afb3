package controller

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/quellops/quell/resource"
)

// SinkReconciler validates Sink resources, including workflow chain cycle
// rejection.
type SinkReconciler struct {
	registry *resource.Registry
	validate *validator.Validate
}

// NewSinkReconciler creates the Sink reconciler.
func NewSinkReconciler(registry *resource.Registry) *SinkReconciler {
	return &SinkReconciler{registry: registry, validate: validator.New()}
}

func (r *SinkReconciler) Kind() resource.Kind { return resource.KindSink }

func (r *SinkReconciler) Reconcile(_ context.Context, res *resource.Resource) error {
	spec := res.Sink
	if spec == nil {
		return markInvalid(res, "missing sink spec")
	}

	if err := r.validate.Struct(spec); err != nil {
		return markInvalid(res, err.Error())
	}

	switch spec.Type {
	case resource.SinkSlack:
		if spec.Config.WebhookURL == "" {
			return markInvalid(res, "slack sink requires config.webhookURL")
		}
	case resource.SinkAlertmanager:
		if spec.Config.Endpoint == "" {
			return markInvalid(res, "alertmanager sink requires config.endpoint")
		}
	case resource.SinkWorkflow:
		if spec.Config.Workflow == "" {
			return markInvalid(res, "workflow sink requires config.workflow")
		}
		if _, ok := r.registry.GetByName(resource.KindWorkflow, res.Metadata.Namespace, spec.Config.Workflow); !ok {
			res.Status.SetCondition(resource.ConditionValidated, "True", ReasonValid, "")
			res.Status.SetCondition(resource.ConditionWorkflowRef, "False", ReasonWorkflowMissing,
				fmt.Sprintf("workflow %q not found", spec.Config.Workflow))
			res.Status.Phase = resource.PhaseFailed
			return nil
		}
		if r.chainsBack(res.Metadata.Namespace, spec.Config.Workflow, map[string]bool{}) {
			res.Status.SetCondition(resource.ConditionValidated, "False", ReasonSinkCycle,
				fmt.Sprintf("workflow chain through %q forms a cycle", spec.Config.Workflow))
			res.Status.Phase = resource.PhaseFailed
			return nil
		}
		res.Status.SetCondition(resource.ConditionWorkflowRef, "True", ReasonWorkflowFound, "")
	}

	res.Status.SetCondition(resource.ConditionValidated, "True", ReasonValid, "")
	res.Status.Phase = resource.PhaseReady
	return nil
}

// chainsBack walks workflow -> workflow-sink edges looking for a repeated
// workflow, which would loop runs forever.
func (r *SinkReconciler) chainsBack(namespace, workflowName string, visited map[string]bool) bool {
	if visited[workflowName] {
		return true
	}
	visited[workflowName] = true

	wfRes, ok := r.registry.GetByName(resource.KindWorkflow, namespace, workflowName)
	if !ok || wfRes.Workflow == nil {
		return false
	}
	for _, sinkName := range wfRes.Workflow.Sinks {
		sinkRes, ok := r.registry.GetByName(resource.KindSink, namespace, sinkName)
		if !ok || sinkRes.Sink == nil || sinkRes.Sink.Type != resource.SinkWorkflow {
			continue
		}
		if r.chainsBack(namespace, sinkRes.Sink.Config.Workflow, visited) {
			return true
		}
	}
	return false
}
