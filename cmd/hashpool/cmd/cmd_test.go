package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSum = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

func execute(t *testing.T, dir string, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{
		"--pool-dir", filepath.Join(dir, "filedir"),
		"--refs-db", filepath.Join(dir, "refs.db"),
	}, args...))
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestLifecycle(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	src := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	out := execute(t, dir, "add", src)
	assert.Contains(t, out, helloSum+"\t5\tnew")
	assert.FileExists(t, filepath.Join(dir, "filedir", "aa", "f4", helloSum))

	assert.Equal(t, "hello", execute(t, dir, "cat", helloSum))

	out = execute(t, dir, "release", helloSum)
	assert.Contains(t, out, "evicted")
	assert.FileExists(t, filepath.Join(dir, "trashdir", "aa", "f4", helloSum))

	out = execute(t, dir, "stat", helloSum)
	assert.Contains(t, out, "trash:      true")
	assert.Contains(t, out, "references: 0")

	out = execute(t, dir, "recover", helloSum)
	assert.Contains(t, out, "recovered")

	metricsFile := filepath.Join(dir, "metrics.prom")
	out = execute(t, dir, "--metrics-out", metricsFile, "gc")
	assert.Contains(t, out, "visited 1, kept 0, evicted 1")

	metrics, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "hashpool_sweep_entries_total")

	out = execute(t, dir, "fsck")
	assert.Contains(t, out, "checked 0 entries, 0 corrupt")

	out = execute(t, dir, "purge-trash", "--older-than", "0")
	assert.Contains(t, out, "removed 1 trash entries")
}
