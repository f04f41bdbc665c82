package atomicio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileCreatesParentDirs(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "nested", "deep", "file.md")

	require.NoError(t, WriteFile(target, []byte("hello\n"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestWriteFileReplacesExisting(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	require.NoError(t, WriteFile(target, []byte("new"), 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestWriteFileLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "file.txt")
	require.NoError(t, WriteFile(target, []byte("content"), 0o600))

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file.txt", entries[0].Name())
}

func TestWriteFileSetsPermissions(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "file.txt")
	require.NoError(t, WriteFile(target, []byte("x"), 0o600))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteJSONHasTrailingNewline(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, WriteJSON(target, map[string]string{"id": "s1"}, 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, len(data) > 0 && data[len(data)-1] == '\n')
	assert.Contains(t, string(data), `"id": "s1"`)
}

func TestWriteYAMLUsesLiteralBlocks(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "out.yaml")
	v := struct {
		Name string `yaml:"name"`
		Body string `yaml:"body"`
	}{Name: "x", Body: "line one\nline two\n"}
	require.NoError(t, WriteYAML(target, v, 0o644))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "body: |")
}

func TestReadFileSeesFullContent(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "file.txt")
	want := "alpha\nbeta\n"
	require.NoError(t, WriteFile(target, []byte(want), 0o644))

	data, err := ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}
