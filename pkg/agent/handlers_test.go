package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleExecRefusesDisallowedCommand(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	ctx := context.Background()

	payload, err := handleExec(ctx, a, map[string]interface{}{"command": "rm -rf /"})
	require.NoError(t, err, "a disallowed prefix is a normal result, not a handler error")
	res, ok := payload.(execResult)
	require.True(t, ok)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "Command not allowed")
}

func TestHandleExecAllowsWhitelistedPrefix(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	ctx := context.Background()

	payload, err := handleExec(ctx, a, map[string]interface{}{"command": "ls -la"})
	require.NoError(t, err)
	res, ok := payload.(execResult)
	require.True(t, ok)
	require.True(t, res.Success)
	require.Equal(t, 0, res.ReturnCode)
}

func TestHandleDeployFileRejectsPathTraversal(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	a.cfg.AppDir = t.TempDir()
	ctx := context.Background()

	payload, err := handleDeployFile(ctx, a, map[string]interface{}{"path": "../../etc/passwd", "content": "x"})
	require.NoError(t, err, "path traversal is a normal result, not a handler error")
	res, ok := payload.(deployResult)
	require.True(t, ok)
	require.Contains(t, res.Error, "Path traversal not allowed")
}

func TestHandleDeployFileRejectsMissingContent(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	a.cfg.AppDir = t.TempDir()
	ctx := context.Background()

	payload, err := handleDeployFile(ctx, a, map[string]interface{}{"path": "config.yml"})
	require.NoError(t, err)
	res, ok := payload.(deployResult)
	require.True(t, ok)
	require.Equal(t, "Missing path or content", res.Error)

	_, statErr := os.Stat(filepath.Join(a.cfg.AppDir, "config.yml"))
	require.True(t, os.IsNotExist(statErr), "no file may be written without content")
}

func TestHandleDeployFileWritesAndCreatesParentDirs(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	a.cfg.AppDir = t.TempDir()
	ctx := context.Background()

	_, err := handleDeployFile(ctx, a, map[string]interface{}{"path": "nested/config.yml", "content": "key: value"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(a.cfg.AppDir, "nested", "config.yml"))
	require.NoError(t, err)
	require.Equal(t, "key: value", string(data))
}

func TestHandleHealthCheckReportsCurrentState(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	payload, err := handleHealthCheck(ctx, a, nil)
	require.NoError(t, err)
	m, ok := payload.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, m["healthy"])
	require.Equal(t, true, m["active"])
}
