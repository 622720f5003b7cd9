package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fabricgw/internal/config"
	"github.com/mattjoyce/fabricgw/internal/fabric"
	"github.com/mattjoyce/fabricgw/internal/lock"
	"github.com/mattjoyce/fabricgw/internal/log"
	"github.com/mattjoyce/fabricgw/internal/session"
)

func TestMain(m *testing.M) {
	log.SetupLevel("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig(t *testing.T) string {
	return fmt.Sprintf(`service:
  log_level: error
auth:
  api_key: topsecret
fabric:
  fabric_id: 7
  storage_path: %s
`, t.TempDir())
}

func TestRunCLIUsage(t *testing.T) {
	code, _, stderr := runCLIForTest(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "fabricgw <noun> <action>")

	code, stdout, _ := runCLIForTest(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "system start")

	code, _, stderr = runCLIForTest(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, stderr = runCLIForTest(t, "config", "lock")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown config action: lock")

	code, _, _ = runCLIForTest(t, "system")
	assert.Equal(t, 1, code)
}

func TestVersionJSON(t *testing.T) {
	orig, origCommit := version, gitCommit
	version, gitCommit = "1.2.3", "0123456789abcdef"
	t.Cleanup(func() { version, gitCommit = orig, origCommit })

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, fabric.EngineVersion, info.SDKVersion)
	assert.Equal(t, fabric.SchemaVersion, info.SchemaVersion)

	code, stdout, _ = runCLIForTest(t, "--version")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "fabricgw 1.2.3")
	assert.Contains(t, stdout, "sdk: "+fabric.EngineVersion)
}

func TestConfigCheck(t *testing.T) {
	path := writeConfig(t, validConfig(t))

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Configuration OK")
	assert.Contains(t, stdout, "digest: ")

	hash, err := config.ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "file_hash: "+hash)

	code, _, _ = runCLIForTest(t, "config", "check", "--config", path, "--expect", hash)
	assert.Equal(t, 0, code)

	code, _, stderr = runCLIForTest(t, "config", "check", "--config", path, "--expect", "deadbeef")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "fabric:\n  fabric_id: 0\n")
	code, _, stderr := runCLIForTest(t, "config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "fabric_id")

	code, _, stderr = runCLIForTest(t, "config", "check", "--config", writeConfig(t, validConfig(t)), "--vendorid", "0")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "vendor")

	code, _, stderr = runCLIForTest(t, "config", "check", "--config", writeConfig(t, validConfig(t)), "stray")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unexpected arguments: stray")
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	path := writeConfig(t, validConfig(t))
	code, stdout, stderr := runCLIForTest(t, "config", "show", "--config", path, "--port", "6000")
	require.Equal(t, 0, code, stderr)
	assert.NotContains(t, stdout, "topsecret")
	assert.Contains(t, stdout, "<redacted>")
	assert.Contains(t, stdout, "port: 6000")
	assert.Contains(t, stdout, "fabric_id: 7")
}

func TestStartFailsWhenStorageLocked(t *testing.T) {
	storageDir := t.TempDir()
	held, err := lock.Acquire(storageDir)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	t.Cleanup(func() { log.SetupLevel("ERROR") })
	path := writeConfig(t, fmt.Sprintf("service:\n  log_level: critical\nfabric:\n  storage_path: %s\n", storageDir))
	code, _, _ := runCLIForTest(t, "start", "--config", path)
	assert.Equal(t, 1, code)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Fabric.StoragePath = t.TempDir()
	cfg.Server.ListenAddresses = []string{"127.0.0.1"}
	cfg.Server.Port = freePort(t)
	cfg.Dispatch.DrainTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.Port)
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()

	readKind := func() string {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var f struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, conn.ReadJSON(&f))
		return f.Kind
	}
	assert.Equal(t, session.EventServerInfo, readKind())

	cancel()
	assert.Equal(t, session.EventServerShutdown, readKind())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	// The lock is released on the way out.
	again, err := lock.Acquire(cfg.Fabric.StoragePath)
	require.NoError(t, err)
	_ = again.Release()
}
