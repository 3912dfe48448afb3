package agent

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/quellops/quell/llm"
)

// Suspension kinds.
const (
	SuspendToolCall = "tool_call"
	SuspendFix      = "fix"
)

// SuspendedState is the serialized investigation snapshot parked while a
// human decides. It carries everything Resume needs: the message history,
// the iteration counter, and the unresolved call or fix.
type SuspendedState struct {
	ApprovalID string        `json:"approval_id"`
	Kind       string        `json:"kind"` // SuspendToolCall or SuspendFix
	Goal       string        `json:"goal"`
	Messages   []llm.Message `json:"messages"`
	Iteration  int           `json:"iteration"`

	// PendingCall is set for tool_call suspensions.
	PendingCall *llm.ToolCall `json:"pending_call,omitempty"`

	// PendingFix and PartialResult are set for fix suspensions.
	PendingFix    string  `json:"pending_fix,omitempty"`
	PartialResult *Result `json:"partial_result,omitempty"`

	Risk  string      `json:"risk"`
	Tools []string    `json:"tools,omitempty"`
	Step  StepOptions `json:"step"`
}

// newSuspension assigns a fresh approval id.
func newSuspension(kind string) *SuspendedState {
	return &SuspendedState{ApprovalID: uuid.New().String(), Kind: kind}
}

// Marshal serializes the state for persistence.
func (s *SuspendedState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSuspendedState restores a persisted suspension.
func UnmarshalSuspendedState(data []byte) (*SuspendedState, error) {
	var s SuspendedState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode suspended state: %w", err)
	}
	if s.ApprovalID == "" {
		return nil, fmt.Errorf("suspended state missing approval id")
	}
	return &s, nil
}
