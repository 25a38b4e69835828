package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/square-key-labs/strawgo-bridge/src/billing"
	"github.com/square-key-labs/strawgo-bridge/src/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strawgo-bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigCommand_PrintsMaskedYAML(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	path := writeConfig(t, "server:\n  addr: \":9090\"\nbilling:\n  backend: memory\n")

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")

	var printed config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &printed))
	assert.Equal(t, ":9090", printed.Server.Addr)
	assert.Equal(t, "memory", printed.Billing.Backend)
	assert.Equal(t, "****", printed.Realtime.APIKey)
}

func TestConfigCommand_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "billing:\n  backend: postgres\n")
	_, err := execute(t, "config", "--config", path)
	assert.Error(t, err)
}

func TestLedgerCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	path := writeConfig(t, "redis:\n  prefix: test\n")

	out, err := execute(t, "ledger", "set", "+15550100", "120", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "+15550100: 120s")

	out, err = execute(t, "ledger", "credit", "+15550100", "30", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "+15550100: 150s")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	ledger, client, err := openRedisLedger(cfg)
	require.NoError(t, err)
	defer client.Close()
	_, err = ledger.Deduct(context.Background(), "+15550100", 10, billing.UsageMeta{CallID: "CA1", Reason: "stop", IdempotencyKey: "s1:final"})
	require.NoError(t, err)

	out, err = execute(t, "ledger", "balance", "+15550100", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "+15550100: 140s")

	out, err = execute(t, "ledger", "usage", "+15550100", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CA1")
	assert.Contains(t, out, "s1:final")
}

func TestBuildLedger(t *testing.T) {
	cfg := config.Default()
	ledger, closeFn, err := buildLedger(cfg)
	require.NoError(t, err)
	assert.Nil(t, ledger)
	closeFn()

	cfg.Billing.Backend = "memory"
	ledger, closeFn, err = buildLedger(cfg)
	require.NoError(t, err)
	assert.IsType(t, &billing.MemoryLedger{}, ledger)
	closeFn()

	cfg.Billing.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"
	_, _, err = buildLedger(cfg)
	assert.Error(t, err)
}

func TestBuildNotifier(t *testing.T) {
	cfg := config.Default()
	assert.Len(t, buildNotifier(cfg), 1)

	cfg.Billing.WebhookURL = "http://example.invalid/hook"
	assert.Len(t, buildNotifier(cfg), 2)
}
