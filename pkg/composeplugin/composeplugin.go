// Package composeplugin provides service lifecycle command handlers
// (start, stop, restart, update, pull, logs, status) backed by docker
// compose, merged into the agent's handler map at construction. It is
// also the in-repo example of a command plugin: anything exposing a
// map[string]agent.CommandHandler can be wired the same way, and a
// plugin kind shadows a built-in of the same name.
package composeplugin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/cuemby/bazbeans/pkg/agent"
	"github.com/cuemby/bazbeans/pkg/config"
)

// Command kinds this plugin registers.
const (
	KindStart   = "start"
	KindStop    = "stop"
	KindRestart = "restart"
	KindUpdate  = "update"
	KindPull    = "pull"
	KindLogs    = "logs"
	KindStatus  = "status"
)

// commandTimeout bounds one compose invocation. Image pulls can be slow,
// so this is far looser than the exec handler's timeout.
const commandTimeout = 5 * time.Minute

// defaultLogTail is the number of log lines returned when the command
// doesn't ask for a specific count.
const defaultLogTail = 100

// Plugin shells out to docker compose against the configured compose
// file, with the application directory as working directory.
type Plugin struct {
	appDir      string
	composeFile string

	// baseCmd is the compose invocation prefix; tests replace it.
	baseCmd []string
}

// New builds a Plugin from the agent's configuration.
func New(cfg *config.Config) *Plugin {
	return &Plugin{
		appDir:      cfg.AppDir,
		composeFile: cfg.ComposeFile,
		baseCmd:     []string{"docker", "compose"},
	}
}

// Handlers returns the kind-to-handler map the agent merges on top of
// its built-ins.
func (p *Plugin) Handlers() map[string]agent.CommandHandler {
	return map[string]agent.CommandHandler{
		KindStart:   p.handleStart,
		KindStop:    p.handleStop,
		KindRestart: p.handleRestart,
		KindUpdate:  p.handleUpdate,
		KindPull:    p.handlePull,
		KindLogs:    p.handleLogs,
		KindStatus:  p.handleStatus,
	}
}

// composeResult is the payload written back for every plugin command.
type composeResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// updateStep is one stage of the multi-stage update command.
type updateStep struct {
	Step    string `json:"step"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// updateResult is the payload written back for the update command.
type updateResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Steps   []updateStep `json:"steps"`
}

func (p *Plugin) run(ctx context.Context, args ...string) composeResult {
	full := append([]string{}, p.baseCmd[1:]...)
	full = append(full, "-f", p.composeFile)
	full = append(full, args...)

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.baseCmd[0], full...)
	cmd.Dir = p.appDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return composeResult{Stderr: "Command timed out after 5 minutes", ReturnCode: -1}
	}

	res := composeResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ReturnCode = exitErr.ExitCode()
		} else {
			res.ReturnCode = -1
			res.Stderr = runErr.Error()
		}
		return res
	}
	res.Success = true
	return res
}

// services extracts the optional service-name list from command args.
func services(args map[string]interface{}) []string {
	raw, ok := args["services"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p *Plugin) handleStart(ctx context.Context, _ *agent.Agent, args map[string]interface{}) (interface{}, error) {
	composeArgs := append([]string{"up", "-d"}, services(args)...)
	res := p.run(ctx, composeArgs...)
	res.Message = "Start command executed"
	return res, nil
}

func (p *Plugin) handleStop(ctx context.Context, _ *agent.Agent, args map[string]interface{}) (interface{}, error) {
	composeArgs := []string{"down"}
	// scoped stop keeps the other services up
	if svcs := services(args); len(svcs) > 0 {
		composeArgs = append([]string{"stop"}, svcs...)
	}
	res := p.run(ctx, composeArgs...)
	res.Message = "Stop command executed"
	return res, nil
}

func (p *Plugin) handleRestart(ctx context.Context, _ *agent.Agent, args map[string]interface{}) (interface{}, error) {
	composeArgs := append([]string{"restart"}, services(args)...)
	res := p.run(ctx, composeArgs...)
	res.Message = "Restart command executed"
	return res, nil
}

// handleUpdate pulls fresh images and recreates the services, reporting
// each stage so a failed pull is distinguishable from a failed recreate.
// A wait_seconds arg adds a post-recreate status check after that delay,
// for operators who want the new containers' state in the same result.
func (p *Plugin) handleUpdate(ctx context.Context, _ *agent.Agent, args map[string]interface{}) (interface{}, error) {
	var steps []updateStep

	pull := p.run(ctx, "pull")
	steps = append(steps, updateStep{Step: "pull", Success: pull.Success, Output: pull.Stdout, Error: pull.Stderr})
	if !pull.Success {
		return updateResult{Success: false, Message: "Update failed during pull", Steps: steps}, nil
	}

	recreate := p.run(ctx, "up", "-d", "--force-recreate")
	steps = append(steps, updateStep{Step: "recreate", Success: recreate.Success, Output: recreate.Stdout, Error: recreate.Stderr})

	if wait, ok := args["wait_seconds"].(float64); ok && wait > 0 {
		select {
		case <-time.After(time.Duration(wait * float64(time.Second))):
		case <-ctx.Done():
		}
		status := p.run(ctx, "ps")
		steps = append(steps, updateStep{Step: "status_check", Success: status.Success, Output: status.Stdout, Error: status.Stderr})
	}

	return updateResult{Success: recreate.Success, Message: "Update completed", Steps: steps}, nil
}

func (p *Plugin) handlePull(ctx context.Context, _ *agent.Agent, args map[string]interface{}) (interface{}, error) {
	composeArgs := append([]string{"pull"}, services(args)...)
	res := p.run(ctx, composeArgs...)
	res.Message = "Pull command executed"
	return res, nil
}

func (p *Plugin) handleLogs(ctx context.Context, _ *agent.Agent, args map[string]interface{}) (interface{}, error) {
	tail := defaultLogTail
	if v, ok := args["tail"].(float64); ok && v > 0 {
		tail = int(v)
	}
	composeArgs := append([]string{"logs", "--tail", strconv.Itoa(tail)}, services(args)...)
	res := p.run(ctx, composeArgs...)
	res.Message = fmt.Sprintf("Last %d log lines retrieved", tail)
	return res, nil
}

func (p *Plugin) handleStatus(ctx context.Context, _ *agent.Agent, _ map[string]interface{}) (interface{}, error) {
	res := p.run(ctx, "ps")
	res.Message = "Service status retrieved"
	return res, nil
}
