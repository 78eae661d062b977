package executorrunner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanArtifactsExcludesHiddenAndGenerated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user_code.py"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_wrapper.py"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".secret"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.json"), []byte(`{"a":1}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "plot.png"), []byte("x"), 0o644))

	artifacts, err := scanArtifacts(dir)
	require.NoError(t, err)

	paths := map[string]string{}
	for _, a := range artifacts {
		paths[a.Path] = a.Kind
	}
	assert.Equal(t, map[string]string{
		"output.json": "data",
		"sub/plot.png": "image",
	}, paths)
}

func TestExtractReturnValue(t *testing.T) {
	stdout := "hello\n" + sentinelStart + "\n{\"m\":\"hi\"}\n" + sentinelEnd + "\nbye\n"
	rv, ok := extractReturnValue(stdout)
	require.True(t, ok)
	assert.JSONEq(t, `{"m":"hi"}`, string(rv))
}

func TestExtractReturnValueAbsent(t *testing.T) {
	_, ok := extractReturnValue("just plain stdout, no markers here")
	assert.False(t, ok)
}
