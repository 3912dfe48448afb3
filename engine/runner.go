package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// CommandRunner executes a rendered cli step command.
type CommandRunner interface {
	Run(ctx context.Context, command string, env map[string]string) (string, error)
}

// LocalRunner executes commands on the host via sh.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, command string, env map[string]string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// KubectlRunner executes commands in ephemeral pods via kubectl run.
type KubectlRunner struct {
	// Binary is the kubectl executable, default "kubectl".
	Binary string
	// Namespace for ephemeral pods, default "default".
	Namespace string
	// Image used when the workflow runtime declares none.
	Image string
}

// NewKubectlRunner configures a kubernetes-mode runner.
func NewKubectlRunner(namespace, image string) *KubectlRunner {
	if namespace == "" {
		namespace = "default"
	}
	if image == "" {
		image = "alpine:3.20"
	}
	return &KubectlRunner{Binary: "kubectl", Namespace: namespace, Image: image}
}

func (r *KubectlRunner) Run(ctx context.Context, command string, env map[string]string) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "kubectl"
	}
	name := "quell-run-" + uuid.New().String()[:8]

	args := []string{
		"run", name,
		"--rm", "-i", "--restart=Never", "--quiet",
		"--namespace", r.Namespace,
		"--image", r.Image,
	}
	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, "--", "sh", "-c", command)

	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pod %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
