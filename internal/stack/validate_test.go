package stack

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/config"
)

func parseString(t *testing.T, src string) (*Stack, error) {
	t.Helper()
	return Parse([]byte(src), config.NewEnvSource(), ParseOptions{WorkingDir: t.TempDir()})
}

func validationErrors(err error) []*ValidationError {
	var out []*ValidationError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ve, ok := err.(*ValidationError); ok {
			out = append(out, ve)
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		walk(errors.Unwrap(err))
	}
	walk(err)
	return out
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate_DuplicateHostPortNamesBothServices(t *testing.T) {
	_, err := parseString(t, `
services:
  mongo:
    image: mongo:7
    ports: ["5432:27017"]
  db:
    image: postgres:16
    ports: ["5432:5432"]
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateHostPort)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"mongo", "db"}, ve.Services)
	assert.Equal(t, "5432/tcp", ve.Ref)
	assert.Contains(t, err.Error(), "mongo")
	assert.Contains(t, err.Error(), "db")
	assert.Contains(t, err.Error(), "5432")
}

func TestValidate_SameHostPortDifferentProtocol(t *testing.T) {
	_, err := parseString(t, `
services:
  dns:
    image: coredns/coredns
    ports: ["53:53/udp"]
  web:
    image: nginx
    ports: ["53:80/tcp"]
`)
	assert.NoError(t, err)
}

func TestValidate_Cycle(t *testing.T) {
	_, err := parseString(t, `
services:
  a:
    image: busybox
    depends_on: [b]
  b:
    image: busybox
    depends_on: [c]
  c:
    image: busybox
    depends_on: [a]
  d:
    image: busybox
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"a", "b", "c"}, ve.Services)
	assert.Equal(t, "a -> b -> c -> a", ve.Message)
}

func TestValidate_SelfDependency(t *testing.T) {
	_, err := parseString(t, `
services:
  a:
    image: busybox
    depends_on: [a]
`)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestValidate_DanglingReferences(t *testing.T) {
	_, err := parseString(t, `
services:
  app:
    image: node:20
    networks: [backend]
    volumes:
      - appdata:/data
    depends_on: [db]
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDanglingNetwork)
	assert.ErrorIs(t, err, ErrDanglingVolume)
	assert.ErrorIs(t, err, ErrDanglingDependency)
	// a cycle check is pointless with dangling edges
	assert.NotErrorIs(t, err, ErrCycle)

	refs := map[string]string{}
	for _, ve := range validationErrors(err) {
		refs[ve.Err.Error()] = ve.Ref
		assert.Equal(t, "app", ve.Service)
	}
	assert.Equal(t, "backend", refs[ErrDanglingNetwork.Error()])
	assert.Equal(t, "appdata", refs[ErrDanglingVolume.Error()])
	assert.Equal(t, "db", refs[ErrDanglingDependency.Error()])
}

func TestValidate_ImageAndBuild(t *testing.T) {
	_, err := parseString(t, `
services:
  app:
    image: node:20
    build: ./app
`)
	assert.ErrorIs(t, err, ErrImageAndBuild)
}

func TestValidate_NoImageOrBuild(t *testing.T) {
	_, err := parseString(t, `
services:
  app:
    ports: ["3000:3000"]
`)
	assert.ErrorIs(t, err, ErrNoImageOrBuild)
}

func TestValidate_BuildContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "custom"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom", "app.Dockerfile"), []byte("FROM scratch\n"), 0o644))

	tests := []struct {
		name    string
		build   string
		wantErr error
	}{
		{name: "missing directory", build: "context: ./nope", wantErr: ErrMissingBuildContext},
		{name: "no recipe", build: "context: ./empty", wantErr: ErrMissingBuildRecipe},
		{name: "custom recipe", build: "{context: ./custom, dockerfile: app.Dockerfile}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "services:\n  app:\n    build:\n      " + tt.build + "\n"
			if tt.build[0] == '{' {
				src = "services:\n  app:\n    build: " + tt.build + "\n"
			}
			_, err := Parse([]byte(src), config.NewEnvSource(), ParseOptions{WorkingDir: dir})
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReadinessConditions(t *testing.T) {
	_, err := parseString(t, `
services:
  db:
    image: postgres:16
  app:
    image: node:20
    depends_on:
      db:
        condition: service_ready
`)
	assert.ErrorIs(t, err, ErrInvalidReadiness)

	_, err = parseString(t, `
services:
  db:
    image: postgres:16
  app:
    image: node:20
    depends_on:
      db:
        condition: service_healthy
`)
	assert.ErrorIs(t, err, ErrInvalidReadiness)
}

func TestValidate_TCPReadinessNeedsPort(t *testing.T) {
	_, err := parseString(t, `
services:
  api:
    image: node:20
    x-readiness:
      kind: tcp
`)
	assert.ErrorIs(t, err, ErrInvalidReadiness)

	st, err := parseString(t, `
services:
  api:
    image: node:20
    ports: ["8080:3000"]
    x-readiness:
      kind: http
`)
	require.NoError(t, err)
	api, _ := st.Service("api")
	assert.Equal(t, uint16(3000), api.Readiness.Port)
	assert.Equal(t, "/", api.Readiness.Path)
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	_, err := parseString(t, `
services:
  a:
    image: busybox
    ports: ["80:80"]
    networks: [missing]
  b:
    image: busybox
    ports: ["80:80"]
`)
	require.Error(t, err)
	assert.Len(t, validationErrors(err), 2)
}
