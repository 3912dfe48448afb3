package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/quellops/quell/llm"
)

// allowedKubectlVerbs are the only verbs the kubectl tool will run. The
// tool is strictly read-only; mutations go through the approval-gated fix
// path, never through agent tool calls.
var allowedKubectlVerbs = map[string]bool{
	"get":      true,
	"describe": true,
	"logs":     true,
	"events":   true,
	"top":      true,
}

// KubectlTool runs read-only kubectl commands. Commands are parsed and
// re-assembled from validated parts; the raw string is never handed to a
// shell.
type KubectlTool struct {
	// Binary is the kubectl executable, default "kubectl".
	Binary string
	// AllowedNamespaces restricts -n targets. Empty allows all.
	AllowedNamespaces []string
	// DefaultNamespace applies when the command names none.
	DefaultNamespace string
}

// NewKubectlTool creates the tool with defaults.
func NewKubectlTool(allowedNamespaces []string, defaultNamespace string) *KubectlTool {
	return &KubectlTool{
		Binary:            "kubectl",
		AllowedNamespaces: allowedNamespaces,
		DefaultNamespace:  defaultNamespace,
	}
}

func (k *KubectlTool) Name() string { return "kubectl" }

func (k *KubectlTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "kubectl",
		Description: "Run a read-only kubectl command. Allowed verbs: get, describe, logs, events, top.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "kubectl arguments, e.g. \"get pods -n production\"",
				},
			},
			"required": []string{"command"},
		},
	}
}

func (k *KubectlTool) Risk(args map[string]any) RiskLevel {
	command, _ := stringArg(args, "command")
	return AssessCommandRisk(command)
}

// kubectlValueFlags take their value as a separate token. Flags written as
// --flag=value need no entry here.
var kubectlValueFlags = map[string]bool{
	"-o": true, "--output": true,
	"-l": true, "--selector": true,
	"-c": true, "--container": true,
	"--sort-by":        true,
	"--field-selector": true,
	"--tail":           true,
	"--since":          true,
	"--since-time":     true,
}

// kubectlCommand is the parsed, validated form of an invocation.
type kubectlCommand struct {
	verb      string
	args      []string
	namespace string
	flags     []string
}

func (k *KubectlTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return "", Deny("kubectl", "missing command argument")
	}

	parsed, err := k.parseCommand(command)
	if err != nil {
		return "", err
	}

	argv := append([]string{parsed.verb}, parsed.args...)
	if parsed.namespace != "" {
		argv = append(argv, "-n", parsed.namespace)
	}
	argv = append(argv, parsed.flags...)

	out, err := exec.CommandContext(ctx, k.Binary, argv...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("kubectl %s: %w: %s", parsed.verb, err, truncate(string(out), 500))
	}
	return truncate(string(out), 16384), nil
}

// parseCommand splits and validates a kubectl command string.
func (k *KubectlTool) parseCommand(command string) (*kubectlCommand, error) {
	fields := strings.Fields(command)
	if len(fields) > 0 && fields[0] == "kubectl" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil, Deny("kubectl", "empty command")
	}

	parsed := &kubectlCommand{verb: strings.ToLower(fields[0]), namespace: k.DefaultNamespace}
	if !allowedKubectlVerbs[parsed.verb] {
		return nil, Deny("kubectl", "verb %q not allowed (read-only: get, describe, logs, events, top)", parsed.verb)
	}

	rest := fields[1:]
	for i := 0; i < len(rest); i++ {
		f := rest[i]
		switch {
		case f == "-n" || f == "--namespace":
			if i+1 >= len(rest) {
				return nil, Deny("kubectl", "namespace flag without value")
			}
			parsed.namespace = rest[i+1]
			i++
		case strings.HasPrefix(f, "--namespace="):
			parsed.namespace = strings.TrimPrefix(f, "--namespace=")
		case strings.HasPrefix(f, "-"):
			if err := validateKubectlFlag(f); err != nil {
				return nil, err
			}
			parsed.flags = append(parsed.flags, f)
			// Value-taking flags consume the next token so it stays paired
			// with its flag on reassembly.
			if kubectlValueFlags[f] && i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "-") {
				parsed.flags = append(parsed.flags, rest[i+1])
				i++
			}
		default:
			parsed.args = append(parsed.args, f)
		}
	}

	if parsed.namespace != "" && !k.namespaceAllowed(parsed.namespace) {
		return nil, Deny("kubectl", "namespace %q not in allowlist", parsed.namespace)
	}

	// "get namespaces" is fine; acting across all namespaces is not when
	// an allowlist is configured.
	if len(k.AllowedNamespaces) > 0 {
		for _, f := range parsed.flags {
			if f == "-A" || f == "--all-namespaces" {
				return nil, Deny("kubectl", "--all-namespaces not allowed with a namespace allowlist")
			}
		}
	}

	return parsed, nil
}

func validateKubectlFlag(flag string) error {
	// Flags that change cluster state or escape output capture.
	blocked := []string{"--force", "--grace-period", "--cascade", "--edit", "--kubeconfig", "--token", "--server"}
	for _, b := range blocked {
		if flag == b || strings.HasPrefix(flag, b+"=") {
			return Deny("kubectl", "flag %q not allowed", flag)
		}
	}
	return nil
}

func (k *KubectlTool) namespaceAllowed(ns string) bool {
	if len(k.AllowedNamespaces) == 0 {
		return true
	}
	for _, allowed := range k.AllowedNamespaces {
		if ns == allowed {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
