package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/quellops/quell/llm"
)

// Script is one entry in the predefined library.
type Script struct {
	Name        string
	Description string
	// Body is the shell script. It receives positional args $1..$n.
	Body string
	// Risk classifies the script as a whole.
	Risk RiskLevel
}

// scriptArgPattern restricts positional arguments to names, paths, and
// simple flags; shell metacharacters are refused outright.
var scriptArgPattern = regexp.MustCompile(`^[A-Za-z0-9._/:=-]+$`)

// ScriptTool executes scripts from a predefined library by name. The model
// never supplies script bodies, only a library name and plain arguments.
type ScriptTool struct {
	library map[string]Script
}

// NewScriptTool creates the tool over a script library.
func NewScriptTool(scripts []Script) *ScriptTool {
	library := make(map[string]Script, len(scripts))
	for _, s := range scripts {
		library[s.Name] = s
	}
	return &ScriptTool{library: library}
}

func (s *ScriptTool) Name() string { return "script" }

func (s *ScriptTool) Definition() llm.ToolDefinition {
	names := make([]string, 0, len(s.library))
	for name := range s.library {
		names = append(names, name)
	}
	sort.Strings(names)

	return llm.ToolDefinition{
		Name:        "script",
		Description: "Run a predefined diagnostic script. Available: " + strings.Join(names, ", "),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Script name from the library",
				},
				"args": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Positional arguments",
				},
			},
			"required": []string{"name"},
		},
	}
}

func (s *ScriptTool) Risk(args map[string]any) RiskLevel {
	name, _ := stringArg(args, "name")
	if script, ok := s.library[name]; ok {
		return script.Risk
	}
	return RiskMedium
}

func (s *ScriptTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	name, ok := stringArg(args, "name")
	if !ok {
		return "", Deny("script", "missing name argument")
	}

	script, ok := s.library[name]
	if !ok {
		return "", Deny("script", "script %q not in library", name)
	}

	var positional []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			str, ok := a.(string)
			if !ok {
				return "", Deny("script", "non-string argument")
			}
			if !scriptArgPattern.MatchString(str) {
				return "", Deny("script", "argument %q contains forbidden characters", str)
			}
			positional = append(positional, str)
		}
	}

	argv := append([]string{"-c", script.Body, name}, positional...)
	out, err := exec.CommandContext(ctx, "sh", argv...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("script %s: %w: %s", name, err, truncate(string(out), 500))
	}
	return truncate(string(out), 16384), nil
}
