// Package kubectl builds the argument vectors for the three session kinds
// and checks that the binary is usable.
package kubectl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kubeintel/kubeintel/internal/protocol"
)

func base(t protocol.Target) []string {
	return []string{"--kubeconfig", t.CredentialsPath, "--context", t.Context}
}

func scope(args []string, namespace, container string) []string {
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	if container != "" {
		args = append(args, "-c", container)
	}
	return args
}

// LogsArgs returns `logs <pod> [-n ns] [-c container] [-f]`.
func LogsArgs(r *protocol.LogsRequest) []string {
	args := append(base(r.Target), "logs", r.PodName)
	args = scope(args, r.Namespace, r.Container)
	if r.Follow {
		args = append(args, "-f")
	}
	return args
}

// ShellArgs returns `exec -it <pod> [-n ns] [-c container] -- <shell>`.
func ShellArgs(r *protocol.ShellRequest, defaultShell string) []string {
	args := append(base(r.Target), "exec", "-it", r.PodName)
	args = scope(args, r.Namespace, r.Container)
	shell := r.Shell
	if shell == "" {
		shell = defaultShell
	}
	if shell == "" {
		shell = protocol.DefaultShell
	}
	return append(args, "--", shell)
}

// CommandArgs appends the client's arguments verbatim.
func CommandArgs(r *protocol.CommandRequest) []string {
	return append(base(r.Target), r.Args...)
}

// Preflight reports whether binary resolves on PATH and answers
// `version --client`.
func Preflight(ctx context.Context, binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("kubectl not found: %w", err)
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, "version", "--client")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s version --client: %w: %s", path, err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}
