package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/quellops/quell/llm"
)

// AuditRecord captures one tool invocation for the audit trail. Arguments
// are stored as a digest, not raw content, so secrets in tool args never
// land in logs.
type AuditRecord struct {
	Tool       string        `json:"tool"`
	ArgsDigest string        `json:"args_digest"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"` // "ok", "denied", or "error"
	Risk       string        `json:"risk"`
}

// AuditSink receives audit records. Implementations must not block.
type AuditSink interface {
	RecordToolCall(rec AuditRecord)
}

// RecordingTool wraps a Tool and captures invocation metadata (timing,
// argument digest, outcome, risk) for the audit trail.
type RecordingTool struct {
	inner  Tool
	sink   AuditSink
	logger *slog.Logger
}

// WithRecording wraps a tool with audit recording. sink may be nil to log
// only.
func WithRecording(inner Tool, sink AuditSink, logger *slog.Logger) *RecordingTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingTool{inner: inner, sink: sink, logger: logger}
}

func (r *RecordingTool) Name() string { return r.inner.Name() }

func (r *RecordingTool) Definition() llm.ToolDefinition { return r.inner.Definition() }

func (r *RecordingTool) Risk(args map[string]any) RiskLevel { return r.inner.Risk(args) }

func (r *RecordingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	started := time.Now()
	out, err := r.inner.Execute(ctx, args)

	outcome := "ok"
	var denied *DeniedError
	if errors.As(err, &denied) {
		outcome = "denied"
	} else if err != nil {
		outcome = "error"
	}

	rec := AuditRecord{
		Tool:       r.inner.Name(),
		ArgsDigest: DigestArgs(args),
		Duration:   time.Since(started),
		Outcome:    outcome,
		Risk:       r.inner.Risk(args).String(),
	}

	r.logger.Info("Tool invocation",
		"tool", rec.Tool,
		"args_digest", rec.ArgsDigest,
		"duration", rec.Duration,
		"outcome", rec.Outcome,
		"risk", rec.Risk)

	if r.sink != nil {
		r.sink.RecordToolCall(rec)
	}

	return out, err
}

// DigestArgs hashes canonical argument JSON to a short hex digest.
func DigestArgs(args map[string]any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "unencodable"
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:8])
}
