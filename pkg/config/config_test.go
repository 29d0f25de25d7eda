package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvIntDefaultOnEmpty(t *testing.T) {
	os.Unsetenv("NW_TEST_INT")
	require.Equal(t, 7, EnvInt("NW_TEST_INT", 7))

	t.Setenv("NW_TEST_INT", "")
	require.Equal(t, 7, EnvInt("NW_TEST_INT", 7))

	t.Setenv("NW_TEST_INT", "42")
	require.Equal(t, 42, EnvInt("NW_TEST_INT", 7))

	t.Setenv("NW_TEST_INT", "not-a-number")
	require.Equal(t, 7, EnvInt("NW_TEST_INT", 7))
}

func TestEnvBoolVariants(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "y", "on"} {
		t.Setenv("NW_TEST_BOOL", v)
		require.True(t, EnvBool("NW_TEST_BOOL", false), "value %q should be truthy", v)
	}
	for _, v := range []string{"0", "false", "no", "nope"} {
		t.Setenv("NW_TEST_BOOL", v)
		require.False(t, EnvBool("NW_TEST_BOOL", true), "value %q should be falsy", v)
	}
	os.Unsetenv("NW_TEST_BOOL")
	require.True(t, EnvBool("NW_TEST_BOOL", true))
}

func TestLoadEnvFileRealEnvWins(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("# comment\n\nFOO=from_file\nBAR=also_file\nMALFORMED_LINE\n"), 0o644))

	t.Setenv("FOO", "from_real_env")
	os.Unsetenv("BAR")

	require.NoError(t, LoadEnvFile(envPath))

	require.Equal(t, "from_real_env", os.Getenv("FOO"))
	require.Equal(t, "also_file", os.Getenv("BAR"))
}

func TestLoadEnvFileMissingIsNoop(t *testing.T) {
	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env")))
}

func TestEnsureDefaultPromptCreatesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task_prompt.txt")

	created, err := EnsureDefaultPrompt(path)
	require.NoError(t, err)
	require.True(t, created)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(contents), "Ralph Wiggum")

	require.NoError(t, os.WriteFile(path, []byte("custom prompt\n"), 0o644))
	created, err = EnsureDefaultPrompt(path)
	require.NoError(t, err)
	require.False(t, created)

	contents, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "custom prompt\n", string(contents))
}
