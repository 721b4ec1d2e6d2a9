package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/state"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		input    any
		expected string
	}{
		{nil, "null"},
		{"hello", `"hello"`},
		{42, "42"},
		{true, "true"},
		{[]any{"a", "b"}, "[a b]"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatValue(tt.input))
		})
	}
}

func TestActionSymbol(t *testing.T) {
	assert.Equal(t, "+", actionSymbol(ir.ActionCreate))
	assert.Equal(t, "~", actionSymbol(ir.ActionUpdate))
	assert.Equal(t, "-", actionSymbol(ir.ActionDelete))
	assert.Equal(t, " ", actionSymbol(ir.ActionNoOp))
}

func TestResolveWorkdir_Default(t *testing.T) {
	wd, entryPoint, err := resolveWorkdir(nil)
	require.NoError(t, err)

	cwd, _ := os.Getwd()
	assert.Equal(t, cwd, wd)
	assert.Equal(t, "main.pkl", entryPoint)
}

func TestResolveWorkdir_FileArgument(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "infra.pkl")
	require.NoError(t, os.WriteFile(file, []byte("resources {}\n"), 0o644))

	wd, entryPoint, err := resolveWorkdir([]string{file})
	require.NoError(t, err)
	assert.Equal(t, dir, wd)
	assert.Equal(t, "infra.pkl", entryPoint)
}

func TestResolveWorkdir_DirArgument(t *testing.T) {
	dir := t.TempDir()

	wd, entryPoint, err := resolveWorkdir([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, dir, wd)
	assert.Equal(t, "main.pkl", entryPoint)
}

func TestOpenBackend_DefaultsToLocal(t *testing.T) {
	dir := t.TempDir()

	backend, err := openBackend(dir)
	require.NoError(t, err)
	assert.IsType(t, &state.LocalBackend{}, backend)
}

func TestOpenBackend_ReadsBackendConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".convergo"), 0o755))
	cfg := `{"type":"local","config":{"path":"custom-state.json"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".convergo", "backend.json"), []byte(cfg), 0o644))

	backend, err := openBackend(dir)
	require.NoError(t, err)
	assert.IsType(t, &state.LocalBackend{}, backend)
}

func TestOpenBackend_RejectsMalformedConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".convergo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".convergo", "backend.json"), []byte("{not json"), 0o644))

	_, err := openBackend(dir)
	assert.Error(t, err)
}

func TestRunPlan_LockConflict(t *testing.T) {
	dir := t.TempDir()

	backend, err := openBackend(dir)
	require.NoError(t, err)
	require.NoError(t, backend.Lock())
	defer backend.Unlock()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	err = runPlan(cmd, []string{dir})
	assert.ErrorIs(t, err, state.ErrPlanConflict)
}

func TestNewRegistry_BuiltinsRegistered(t *testing.T) {
	registry := newRegistry()

	for _, name := range []string{"null", "aws", "docker"} {
		assert.NoError(t, registry.Load(name), "provider %s should be registered", name)
	}
	assert.Error(t, registry.Load("ghost"))
}

func TestLoadRequiredProviders(t *testing.T) {
	registry := newRegistry()
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{Type: "null:Resource", Name: "a", Provider: "null"},
			{Type: "null:Resource", Name: "b", Provider: "null"},
		},
	}

	require.NoError(t, loadRequiredProviders(registry, cfg))
	_, err := registry.Get("null")
	assert.NoError(t, err)
}
