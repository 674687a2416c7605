package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiervm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	e := c.Engine()
	assert.Equal(t, 10.0, e.Hotspot.BaselineThreshold)
	assert.Equal(t, 1000.0, e.Hotspot.OptimizedThreshold)
	assert.True(t, e.AsyncCompile)
	assert.Len(t, e.Compiler.Passes, 5)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[hotspot]
baseline-threshold = 20
optimized-threshold = 500
cold-window = "250ms"

[compiler]
async = false
passes = ["constfold", "dce"]

[interp]
div-zero-traps = true
step-limit = 1000

[aot]
backend = "pebble"
path = "/tmp/hints"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20.0, c.Hotspot.BaselineThreshold)
	assert.Equal(t, 250*time.Millisecond, c.Hotspot.ColdWindow.Duration)
	// untouched keys keep their defaults
	assert.Equal(t, 2.0, c.Hotspot.ColdThreshold)

	e := c.Engine()
	assert.False(t, e.AsyncCompile)
	assert.True(t, e.Interp.DivZeroTraps)
	assert.EqualValues(t, 1000, e.StepLimit)
	require.Len(t, e.Compiler.Passes, 2)
	assert.Equal(t, "dce", e.Compiler.Passes[1].Name)
	assert.Equal(t, "pebble", c.AOT.Backend)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "[hotspot]\nbaseline = 3\n"))
	assert.ErrorContains(t, err, "unknown key")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "[hotspot]\ncold-window = \"soon\"\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIERVM_BASELINE_THRESHOLD", "3")
	t.Setenv("TIERVM_ASYNC_COMPILE", "false")
	t.Setenv("TIERVM_AOT_BACKEND", "memory")
	path := writeConfig(t, "[hotspot]\nbaseline-threshold = 20\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3.0, c.Hotspot.BaselineThreshold)
	assert.False(t, c.Compiler.Async)
	assert.Equal(t, "memory", c.AOT.Backend)
}

func TestEnvOverrideParseError(t *testing.T) {
	t.Setenv("TIERVM_COMPILE_WORKERS", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "TIERVM_COMPILE_WORKERS")
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Hotspot.OptimizedThreshold = 5
	c.Hotspot.ColdThreshold = 50
	c.Compiler.Passes = []string{"unroll"}
	c.AOT.Backend = "redis"
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"optimized-threshold", "cold-threshold", `unknown pass "unroll"`, `unknown backend "redis"`} {
		assert.Contains(t, err.Error(), want)
	}
}
