package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestExtractFlatRoot(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "job.zip")
	writeTestZip(t, zipPath, map[string]string{"main.go": "package main\n"})

	projectDir := filepath.Join(dir, "project")
	scratchDir := filepath.Join(dir, "scratch")
	require.NoError(t, Extract(zipPath, projectDir, scratchDir))

	contents, err := os.ReadFile(filepath.Join(projectDir, "main.go"))
	require.NoError(t, err)
	require.Equal(t, "package main\n", string(contents))
}

func TestExtractNestedProjectFolder(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "job.zip")
	writeTestZip(t, zipPath, map[string]string{
		"project/main.go":  "package main\n",
		"logs/iter-1.log":  "log line\n",
		"metadata.txt":      "job_id=x\n",
	})

	projectDir := filepath.Join(dir, "project-out")
	scratchDir := filepath.Join(dir, "scratch")
	require.NoError(t, Extract(zipPath, projectDir, scratchDir))

	contents, err := os.ReadFile(filepath.Join(projectDir, "main.go"))
	require.NoError(t, err)
	require.Equal(t, "package main\n", string(contents))

	_, err = os.Stat(filepath.Join(projectDir, "metadata.txt"))
	require.True(t, os.IsNotExist(err), "top-level metadata.txt should not leak into project when nested project/ wins")
}

func TestWriteZipDeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "c.txt"), []byte("c"), 0o644))

	zipPath := filepath.Join(dir, "out.zip")
	require.NoError(t, WriteZip(srcDir, zipPath))

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"a.txt", "b.txt", "sub/c.txt"}, names)
}

func TestPublishAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f.txt"), []byte("hi"), 0o644))

	finalPath := filepath.Join(dir, "result.zip")
	require.NoError(t, PublishAtomic(srcDir, finalPath))

	_, err := os.Stat(finalPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "result.partial.zip"))
	require.True(t, os.IsNotExist(err))
}

func TestLatestVersioned(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"job-1_v2.zip", "job-1_v10.zip", "job-1_v3.zip", "job-2_v99.zip", "job-1_vX.zip"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	path, n, err := LatestVersioned(dir, "job-1")
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, filepath.Join(dir, "job-1_v10.zip"), path)
}

func TestLatestVersionedNoMatches(t *testing.T) {
	dir := t.TempDir()
	path, n, err := LatestVersioned(dir, "job-1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, "", path)
}
