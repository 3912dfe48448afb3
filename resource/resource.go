// Package resource defines the declarative model: Source, Workflow, and
// Sink resources, their specs and statuses, and the live registry the
// controllers reconcile into.
package resource

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind identifies a resource type.
type Kind string

const (
	KindSource   Kind = "Source"
	KindWorkflow Kind = "Workflow"
	KindSink     Kind = "Sink"
)

// Phase values for resource status.
const (
	PhasePending = "pending"
	PhaseReady   = "ready"
	PhaseFailed  = "failed"
)

// Condition type values.
const (
	ConditionValidated    = "Validated"
	ConditionPathClaimed  = "PathClaimed"
	ConditionWorkflowRef  = "WorkflowRef"
	ConditionSinkResolved = "SinkResolved"
)

// Key uniquely identifies a resource.
type Key struct {
	Kind      Kind
	Namespace string
	Name      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Namespace, k.Name)
}

// Metadata carries resource identity.
type Metadata struct {
	Name      string            `yaml:"name" json:"name" validate:"required"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Condition records one observed aspect of a resource's state.
type Condition struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"` // "True" or "False"
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
}

// Status is the reconciled state of a resource.
type Status struct {
	Phase      string      `json:"phase"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// SetCondition replaces the condition of the same type, updating the
// transition time only when status actually changes.
func (s *Status) SetCondition(condType, status, reason, message string) {
	now := time.Now().UTC()
	for i := range s.Conditions {
		if s.Conditions[i].Type != condType {
			continue
		}
		if s.Conditions[i].Status != status {
			s.Conditions[i].LastTransitionTime = now
		}
		s.Conditions[i].Status = status
		s.Conditions[i].Reason = reason
		s.Conditions[i].Message = message
		return
	}
	s.Conditions = append(s.Conditions, Condition{
		Type: condType, Status: status, Reason: reason, Message: message,
		LastTransitionTime: now,
	})
}

// AuthConfig configures webhook authentication for a source.
type AuthConfig struct {
	// Type: "none", "bearer", "basic", "hmac", or "header".
	Type string `yaml:"type" json:"type" validate:"omitempty,oneof=none bearer basic hmac header"`
	// Token for bearer auth.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
	// Username and Password for basic auth.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	// Secret and SignatureHeader for HMAC-SHA256 body signing.
	Secret          string `yaml:"secret,omitempty" json:"secret,omitempty"`
	SignatureHeader string `yaml:"signatureHeader,omitempty" json:"signatureHeader,omitempty"`
	// Header and Value for custom header auth.
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
	Value  string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Filter matches alerts by label.
type Filter struct {
	Key      string `yaml:"key" json:"key" validate:"required"`
	Operator string `yaml:"operator" json:"operator" validate:"omitempty,oneof== != =~"`
	Value    string `yaml:"value" json:"value"`
}

// WebhookConfig configures the webhook endpoint of a source.
type WebhookConfig struct {
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`
	// Format: "alertmanager" (default), "prometheus", or "json".
	Format             string     `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=alertmanager prometheus json"`
	Auth               AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`
	Filters            []Filter   `yaml:"filters,omitempty" json:"filters,omitempty" validate:"dive"`
	RateLimitPerMinute int        `yaml:"rateLimitPerMinute,omitempty" json:"rateLimitPerMinute,omitempty" validate:"gte=0"`
	DedupWindowSeconds int        `yaml:"dedupWindowSeconds,omitempty" json:"dedupWindowSeconds,omitempty" validate:"gte=0"`
}

// DedupWindow returns the configured window, defaulting to 30s.
func (c WebhookConfig) DedupWindow() time.Duration {
	if c.DedupWindowSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// SourceSpec declares an alert source.
type SourceSpec struct {
	// Type: only "webhook" is supported.
	Type            string            `yaml:"type" json:"type" validate:"required,oneof=webhook"`
	Webhook         WebhookConfig     `yaml:"webhook" json:"webhook"`
	TriggerWorkflow string            `yaml:"triggerWorkflow" json:"triggerWorkflow" validate:"required"`
	Context         map[string]string `yaml:"context,omitempty" json:"context,omitempty"`
}

// LLMConfig overrides provider settings for a workflow's agent steps.
type LLMConfig struct {
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
}

// RuntimeSpec configures step execution.
type RuntimeSpec struct {
	Image       string            `yaml:"image,omitempty" json:"image,omitempty"`
	LLM         LLMConfig         `yaml:"llmConfig,omitempty" json:"llmConfig,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Step types.
const (
	StepCLI         = "cli"
	StepAgent       = "agent"
	StepConditional = "conditional"
)

// AgentSpec configures an agent step.
type AgentSpec struct {
	Goal             string   `yaml:"goal" json:"goal"`
	Tools            []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxIterations    int      `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty" validate:"gte=0"`
	ApprovalRequired bool     `yaml:"approvalRequired,omitempty" json:"approvalRequired,omitempty"`
}

// Step is one unit of a workflow.
type Step struct {
	Name           string     `yaml:"name" json:"name" validate:"required"`
	Type           string     `yaml:"type" json:"type" validate:"required,oneof=cli agent conditional"`
	Command        string     `yaml:"command,omitempty" json:"command,omitempty"`
	Condition      string     `yaml:"condition,omitempty" json:"condition,omitempty"`
	TimeoutMinutes int        `yaml:"timeoutMinutes,omitempty" json:"timeoutMinutes,omitempty" validate:"gte=0"`
	Agent          *AgentSpec `yaml:"agent,omitempty" json:"agent,omitempty"`
}

// WorkflowSpec declares an executable workflow.
type WorkflowSpec struct {
	Runtime RuntimeSpec       `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Steps   []Step            `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Sinks   []string          `yaml:"sinks,omitempty" json:"sinks,omitempty"`
}

// Sink types.
const (
	SinkStdout       = "stdout"
	SinkSlack        = "slack"
	SinkAlertmanager = "alertmanager"
	SinkWorkflow     = "workflow"
)

// SinkConfig holds type-specific sink settings.
type SinkConfig struct {
	// WebhookURL for slack sinks.
	WebhookURL string `yaml:"webhookURL,omitempty" json:"webhookURL,omitempty"`
	Channel    string `yaml:"channel,omitempty" json:"channel,omitempty"`
	// Endpoint for alertmanager sinks.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	// Workflow to enqueue for workflow sinks.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	// Format for stdout sinks: "text" (default) or "json".
	Format string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=text json"`
	// Template overrides the text output of stdout sinks. Rendered against
	// the run result document.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// SinkSpec declares a result destination.
type SinkSpec struct {
	Type      string     `yaml:"type" json:"type" validate:"required,oneof=stdout slack alertmanager workflow"`
	Config    SinkConfig `yaml:"config,omitempty" json:"config,omitempty"`
	Condition string     `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Resource is one declared object with its parsed spec and live status.
type Resource struct {
	Kind     Kind     `json:"kind"`
	Metadata Metadata `json:"metadata"`

	// Exactly one of these is set, matching Kind.
	Source   *SourceSpec   `json:"source,omitempty"`
	Workflow *WorkflowSpec `json:"workflow,omitempty"`
	Sink     *SinkSpec     `json:"sink,omitempty"`

	Status Status `json:"status"`
}

// Key returns the identity of the resource.
func (r *Resource) Key() Key {
	return Key{Kind: r.Kind, Namespace: r.Metadata.Namespace, Name: r.Metadata.Name}
}

// SpecJSON serializes the kind-specific spec for persistence.
func (r *Resource) SpecJSON() ([]byte, error) {
	switch r.Kind {
	case KindSource:
		return json.Marshal(r.Source)
	case KindWorkflow:
		return json.Marshal(r.Workflow)
	case KindSink:
		return json.Marshal(r.Sink)
	default:
		return nil, fmt.Errorf("unknown kind %q", r.Kind)
	}
}

// manifest is the YAML document shape for declared resources.
type manifest struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   Metadata  `yaml:"metadata"`
	Spec       yaml.Node `yaml:"spec"`
}

// ParseManifest decodes one YAML document into a Resource.
func ParseManifest(data []byte) (*Resource, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Metadata.Name == "" {
		return nil, fmt.Errorf("manifest missing metadata.name")
	}
	if m.Metadata.Namespace == "" {
		m.Metadata.Namespace = "default"
	}

	res := &Resource{Kind: Kind(m.Kind), Metadata: m.Metadata}
	switch res.Kind {
	case KindSource:
		var spec SourceSpec
		if err := m.Spec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("parse Source spec %s: %w", m.Metadata.Name, err)
		}
		res.Source = &spec
	case KindWorkflow:
		var spec WorkflowSpec
		if err := m.Spec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("parse Workflow spec %s: %w", m.Metadata.Name, err)
		}
		res.Workflow = &spec
	case KindSink:
		var spec SinkSpec
		if err := m.Spec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("parse Sink spec %s: %w", m.Metadata.Name, err)
		}
		res.Sink = &spec
	default:
		return nil, fmt.Errorf("unknown kind %q", m.Kind)
	}
	return res, nil
}

// ParseManifests decodes a multi-document YAML stream.
func ParseManifests(data []byte) ([]*Resource, error) {
	var out []*Resource
	for _, doc := range splitDocuments(data) {
		res, err := ParseManifest(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// splitDocuments separates a YAML stream on document markers, skipping
// empty documents.
func splitDocuments(data []byte) [][]byte {
	var docs [][]byte
	start := 0
	lines := append(data, '\n')
	for i := 0; i < len(lines); {
		end := i
		for end < len(lines) && lines[end] != '\n' {
			end++
		}
		line := string(lines[i:end])
		if line == "---" {
			if doc := lines[start:i]; !isBlank(doc) {
				docs = append(docs, doc)
			}
			start = end + 1
		}
		i = end + 1
	}
	if doc := lines[start:]; !isBlank(doc) {
		docs = append(docs, doc)
	}
	return docs
}

func isBlank(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}
