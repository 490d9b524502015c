package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	globalOpts.tenantID, globalOpts.offline, globalOpts.driver = "", false, ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestCLIEndToEnd(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TILLBOOK_LOG_LEVEL", "error")

	out := run(t, "--tenant", "shop-1", "sync")
	assert.Contains(t, out, "Hydrating shop-1")
	assert.Contains(t, out, "Sync complete")

	out = run(t, "--tenant", "shop-1", "customers", "add", "--name", "Ada Lovelace", "--phone", "555-0100")
	assert.Contains(t, out, "Added Ada Lovelace")

	out = run(t, "--tenant", "shop-1", "customers", "list", "--search", "ada")
	assert.Contains(t, out, "Ada Lovelace")

	out = run(t, "--tenant", "shop-1", "status", "--format", "yaml")
	var st statusReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &st))
	assert.Equal(t, "shop-1", st.TenantID)
	assert.True(t, st.Hydrated)
	assert.True(t, st.Online)
	for _, k := range st.Kinds {
		if k.Kind == "customers" {
			assert.Equal(t, 1, k.Records)
			assert.Equal(t, 0, k.Pending)
			assert.NotNil(t, k.LastRun)
		}
	}

	out = run(t, "--tenant", "shop-1", "history", "--limit", "5")
	assert.Contains(t, out, "customers")

	out = run(t, "--tenant", "shop-1", "export", "customers", "--output", "customers.jsonl")
	assert.Contains(t, out, "Exported 1 customers")
	data, err := os.ReadFile("customers.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Ada Lovelace")

	out = run(t, "--tenant", "shop-1", "import", "notes", "-", "--dry-run")
	assert.Contains(t, out, "Would import 0 of 0")
}

func TestCLIOfflineWriteStaysPending(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TILLBOOK_LOG_LEVEL", "error")
	t.Setenv("TILLBOOK_SYNC_REQUIRE_HYDRATION", "false")

	out := run(t, "--tenant", "shop-2", "--offline", "customers", "add", "--name", "Grace")
	assert.Contains(t, out, "Offline")

	out = run(t, "--tenant", "shop-2", "--offline", "status", "--format", "json")
	assert.Contains(t, out, `"pending": 1`)
	assert.Contains(t, out, `"online": false`)

	out = run(t, "--tenant", "shop-2", "--offline", "sync")
	assert.Contains(t, out, "Remote unreachable")
}

func TestCLIConfigInit(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out := run(t, "config", "init")
	assert.Contains(t, out, "Wrote tillbook.toml")
	_, err := os.Stat(filepath.Join(dir, "tillbook.toml"))
	require.NoError(t, err)

	out = run(t, "config", "show")
	assert.Contains(t, out, `driver = "memory"`)
}

func TestCLILoadtest(t *testing.T) {
	out := run(t, "loadtest", "--devices", "3", "--writes", "2", "--rounds", "2", "--faults", "0.2")
	assert.Contains(t, out, "All devices converged")
}
