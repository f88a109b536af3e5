package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, "batch_size: 10\nconcurrency: 2\ninter_item_delay_ms: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, p.BatchSize)
	assert.Equal(t, 2, p.Concurrency)
	assert.Equal(t, 50, p.InterItemDelayMS)
}

func TestLoadPolicyPartialFallsBackToDefaults(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, "concurrency: 8\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().BatchSize, p.BatchSize)
	assert.Equal(t, 8, p.Concurrency)
	assert.Equal(t, DefaultPolicy().InterItemDelayMS, p.InterItemDelayMS)
}

func TestLoadPolicyRejectsNegativeValues(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, "batch_size: -1\n"))
	require.Error(t, err)
	assert.Equal(t, DefaultPolicy(), p) // caller still gets a usable policy
}

func TestLoadPolicyMissingFile(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}
