// Package controller reconciles declared resources: it validates specs,
// resolves references between kinds, claims webhook paths, and publishes
// ready resources into the registry.
package controller

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/quellops/quell/resource"
)

// Condition reason values.
const (
	ReasonValid           = "SpecValid"
	ReasonInvalid         = "SpecInvalid"
	ReasonWorkflowFound   = "WorkflowFound"
	ReasonWorkflowMissing = "WorkflowMissing"
	ReasonPathClaimed     = "PathClaimed"
	ReasonPathConflict    = "PathConflict"
	ReasonSinkResolved    = "SinkResolved"
	ReasonSinkMissing     = "SinkMissing"
	ReasonSinkCycle       = "SinkCycle"
)

// SourceReconciler validates Source resources and resolves their trigger
// workflow. Path claims are arbitrated by the Manager across all
// claimants.
type SourceReconciler struct {
	registry *resource.Registry
	validate *validator.Validate
}

// NewSourceReconciler creates the Source reconciler.
func NewSourceReconciler(registry *resource.Registry) *SourceReconciler {
	return &SourceReconciler{registry: registry, validate: validator.New()}
}

func (r *SourceReconciler) Kind() resource.Kind { return resource.KindSource }

func (r *SourceReconciler) Reconcile(_ context.Context, res *resource.Resource) error {
	spec := res.Source
	if spec == nil {
		return markInvalid(res, "missing source spec")
	}

	if err := r.validate.Struct(spec); err != nil {
		return markInvalid(res, err.Error())
	}
	if err := validateAuth(spec.Webhook.Auth); err != nil {
		return markInvalid(res, err.Error())
	}
	for _, f := range spec.Webhook.Filters {
		if f.Operator == "=~" {
			if _, err := regexp.Compile(f.Value); err != nil {
				return markInvalid(res, fmt.Sprintf("filter %s: bad pattern: %v", f.Key, err))
			}
		}
	}
	res.Status.SetCondition(resource.ConditionValidated, "True", ReasonValid, "")

	if _, ok := r.registry.GetByName(resource.KindWorkflow, res.Metadata.Namespace, spec.TriggerWorkflow); !ok {
		res.Status.SetCondition(resource.ConditionWorkflowRef, "False", ReasonWorkflowMissing,
			fmt.Sprintf("workflow %q not found", spec.TriggerWorkflow))
		res.Status.Phase = resource.PhaseFailed
		return nil
	}
	res.Status.SetCondition(resource.ConditionWorkflowRef, "True", ReasonWorkflowFound, "")

	// Tentatively ready; the Manager's path arbitration may demote this
	// source if another claimant wins the path.
	res.Status.Phase = resource.PhaseReady
	return nil
}

// validateAuth checks type-specific required fields.
func validateAuth(auth resource.AuthConfig) error {
	switch auth.Type {
	case "", "none":
		return nil
	case "bearer":
		if auth.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case "basic":
		if auth.Username == "" || auth.Password == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
	case "hmac":
		if auth.Secret == "" {
			return fmt.Errorf("hmac auth requires secret")
		}
	case "header":
		if auth.Header == "" || auth.Value == "" {
			return fmt.Errorf("header auth requires header and value")
		}
	default:
		return fmt.Errorf("unknown auth type %q", auth.Type)
	}
	return nil
}

// markInvalid records a spec validation failure.
func markInvalid(res *resource.Resource, message string) error {
	res.Status.SetCondition(resource.ConditionValidated, "False", ReasonInvalid, message)
	res.Status.Phase = resource.PhaseFailed
	return nil
}
