package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/bazbeans/pkg/types"
)

// CommandHandler executes one command kind and returns the payload to write
// back into the node's status hash. A returned error becomes an
// error_<kind> status write; it must never panic the agent loop.
// Expected, non-exceptional failures (a disallowed exec prefix, a timeout,
// a path-traversal attempt) are not handler errors: report them inline in
// the payload so they land in executed_<kind> and stay visible to an
// operator polling the node's status.
type CommandHandler func(ctx context.Context, a *Agent, args map[string]interface{}) (interface{}, error)

func builtinHandlers() map[string]CommandHandler {
	return map[string]CommandHandler{
		types.CommandFreeze:      handleFreeze,
		types.CommandUnfreeze:    handleUnfreeze,
		types.CommandExec:        handleExec,
		types.CommandDeployFile:  handleDeployFile,
		types.CommandHealthCheck: handleHealthCheck,
	}
}

func handleFreeze(ctx context.Context, a *Agent, args map[string]interface{}) (interface{}, error) {
	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = "Administrative action"
	}
	if err := a.freeze(ctx, reason); err != nil {
		return nil, err
	}
	return map[string]string{"status": "frozen", "reason": reason}, nil
}

func handleUnfreeze(ctx context.Context, a *Agent, _ map[string]interface{}) (interface{}, error) {
	if err := a.unfreeze(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"status": "active"}, nil
}

// execResult is the payload written back for an exec command. Disallowed
// commands, timeouts, and nonzero exit codes are not handler errors; they
// are normal outcomes reported inline via the Error field, so they land in
// executed_<kind> rather than error_<kind> and operators polling the
// node's status still observe completion.
type execResult struct {
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ReturnCode int    `json:"returncode,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

func handleExec(ctx context.Context, a *Agent, args map[string]interface{}) (interface{}, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return execResult{Error: "No command specified"}, nil
	}

	allowed := false
	for _, prefix := range a.cfg.AllowedExecPrefixes {
		if strings.HasPrefix(strings.TrimSpace(command), prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return execResult{Error: fmt.Sprintf("Command not allowed. Allowed prefixes: %v", a.cfg.AllowedExecPrefixes)}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = a.cfg.AppDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		return execResult{Error: "Command timed out after 30 seconds"}, nil
	}

	res := execResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ReturnCode = exitErr.ExitCode()
		} else {
			res.ReturnCode = -1
			res.Error = runErr.Error()
		}
		res.Success = false
		return res, nil
	}
	res.ReturnCode = 0
	res.Success = true
	return res, nil
}

// deployResult is the payload written back for a deploy_file command.
// Path traversal and write failures are reported inline, not as handler
// errors, matching the exec handler's executed_<kind> semantics above.
type deployResult struct {
	Status string `json:"status,omitempty"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

func handleDeployFile(ctx context.Context, a *Agent, args map[string]interface{}) (interface{}, error) {
	path, _ := args["path"].(string)
	content, hasContent := args["content"].(string)
	if strings.TrimSpace(path) == "" || !hasContent {
		return deployResult{Error: "Missing path or content"}, nil
	}

	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return deployResult{Error: "Path traversal not allowed"}, nil
	}

	// relative paths land under the application directory; absolute paths
	// are written as given
	dest := clean
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(a.cfg.AppDir, dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return deployResult{Error: err.Error()}, nil
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return deployResult{Error: err.Error()}, nil
	}
	return deployResult{Status: "deployed", Path: dest}, nil
}

func handleHealthCheck(ctx context.Context, a *Agent, _ map[string]interface{}) (interface{}, error) {
	healthy, reason := a.runSelfHealth(ctx)
	if !healthy && a.isActive() {
		if err := a.freeze(ctx, reason); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"healthy": healthy,
		"frozen":  a.isFrozen(),
		"active":  a.isActive(),
		"reason":  reason,
	}, nil
}
