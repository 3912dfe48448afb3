package providers

import (
	"context"
	"strings"

	"github.com/quellops/quell/llm"
)

// MockCompleter is a deterministic llm.Completer for offline use
// (LLM_PROVIDER=mock). It returns canned investigation analyses keyed on
// the alert name found in the conversation, so workflows exercise the full
// parse/approve/fix path without a live model.
type MockCompleter struct{}

// NewMockCompleter creates a scripted completer.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{}
}

// Complete returns the canned analysis for the alert referenced in req.
func (m *MockCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	var text strings.Builder
	for _, msg := range req.Messages {
		text.WriteString(msg.Content)
		text.WriteString("\n")
	}
	conversation := text.String()

	var content string
	switch {
	case strings.Contains(conversation, "PodCrashLooping"):
		content = mockCrashLoopAnalysis
	case strings.Contains(conversation, "HighCPUUsage"):
		content = mockHighCPUAnalysis
	default:
		content = mockDefaultAnalysis
	}

	return &llm.Response{
		Content:      content,
		Model:        "mock-model",
		FinishReason: "end_turn",
		Usage:        llm.TokenUsage{PromptTokens: 50, CompletionTokens: 150, TotalTokens: 200},
	}, nil
}

const mockCrashLoopAnalysis = `ROOT CAUSE: The container is terminating with exit code 137 (OOMKilled). Application logs show a java.lang.OutOfMemoryError immediately before each restart, so the JVM heap exceeds the container memory limit under load.

FINDINGS:
- Container restarts correlate with memory usage hitting the 512Mi limit
- Logs contain java.lang.OutOfMemoryError: Java heap space
- Exit code 137 indicates the kernel OOM killer terminated the process
- No recent deployment changed the memory configuration

RECOMMENDATIONS:
- Raise the container memory limit to 1Gi
- Set -Xmx to 75% of the container limit
- Add an alert on container_memory_working_set_bytes approaching the limit

AUTO-FIX: yes
kubectl patch deployment api-server -n production --type merge -p '{"spec":{"template":{"spec":{"containers":[{"name":"api-server","resources":{"limits":{"memory":"1Gi"}}}]}}}}'`

const mockHighCPUAnalysis = `ROOT CAUSE: Sustained CPU saturation on the deployment. Request volume doubled over the last hour while replica count stayed flat, so each pod runs at its CPU limit and latency is climbing.

FINDINGS:
- CPU usage pinned at the limit across all replicas
- Request rate roughly doubled in the last 60 minutes
- No crash loops or errors in application logs

RECOMMENDATIONS:
- Scale the deployment to absorb current load
- Configure a HorizontalPodAutoscaler targeting 70% CPU

AUTO-FIX: yes
kubectl scale deployment api-server -n production --replicas=6`

const mockDefaultAnalysis = `ROOT CAUSE: Insufficient evidence to determine a root cause from the available signals.

FINDINGS:
- Alert received and acknowledged
- No matching known failure signature

RECOMMENDATIONS:
- Inspect recent events and logs in the affected namespace manually

AUTO-FIX: no`
