package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Env File Tests
// =============================================================================

func TestParseEnv_OrderAndOverride(t *testing.T) {
	src := `
# database
DB_USER=att
DB_PASSWORD="s3cr=t"
export DB_NAME=attendance
DB_USER=override
GRAFANA_PASSWORD='admin # not a comment'
JENKINS_PORT=8080 # trailing comment
`
	env, err := ParseEnv(".env", strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"DB_USER", "DB_PASSWORD", "DB_NAME", "GRAFANA_PASSWORD", "JENKINS_PORT"}, env.Keys())
	assert.Equal(t, 5, env.Len())

	v, ok := env.Lookup("DB_USER")
	assert.True(t, ok)
	assert.Equal(t, "override", v)

	v, _ = env.Lookup("DB_PASSWORD")
	assert.Equal(t, "s3cr=t", v)

	v, _ = env.Lookup("GRAFANA_PASSWORD")
	assert.Equal(t, "admin # not a comment", v)

	v, _ = env.Lookup("JENKINS_PORT")
	assert.Equal(t, "8080", v)
}

func TestParseEnv_ValuesNotExpanded(t *testing.T) {
	env, err := ParseEnv(".env", strings.NewReader("A=1\nB=${A}\n"))
	require.NoError(t, err)

	v, _ := env.Lookup("B")
	assert.Equal(t, "${A}", v)
}

func TestParseEnv_MalformedLine(t *testing.T) {
	_, err := ParseEnv(".env", strings.NewReader("OK=1\nthis is not valid\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEnvFile)

	var le *EnvLineError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 2, le.Line)
}

func TestEnvSource_MapIsCopy(t *testing.T) {
	env := NewEnvSource([2]string{"K", "v"})
	m := env.Map()
	m["K"] = "changed"

	v, _ := env.Lookup("K")
	assert.Equal(t, "v", v)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("POSTGRES_DB=attendance\n"), 0o644))

	env, err := LoadEnvFile(path, false)
	require.NoError(t, err)
	assert.Equal(t, path, env.Path())
	assert.Equal(t, []string{"POSTGRES_DB"}, env.Keys())

	_, err = LoadEnvFile(filepath.Join(dir, "missing.env"), false)
	assert.Error(t, err)

	env, err = LoadEnvFile(filepath.Join(dir, "missing.env"), true)
	require.NoError(t, err)
	assert.Equal(t, 0, env.Len())
}
