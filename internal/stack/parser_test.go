package stack

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/config"
)

const attendanceStack = `
name: attendance
services:
  db:
    image: postgres:16
    ports:
      - "5432:5432"
    environment:
      POSTGRES_USER: ${DB_USER}
      POSTGRES_PASSWORD: ${DB_PASSWORD}
      POSTGRES_DB: ${DB_NAME}
    volumes:
      - pgdata:/var/lib/postgresql/data
      - ./init.sql:/docker-entrypoint-initdb.d/init.sql:ro
    networks: [backend]
    restart: unless-stopped
    healthcheck:
      test: ["CMD-SHELL", "pg_isready -U ${DB_USER}"]
      interval: 5s
      retries: 5
    x-readiness:
      kind: postgres
  app:
    build:
      context: ./app
    ports:
      - "3000:3000"
    environment:
      DATABASE_URL: postgres://${DB_USER}:${DB_PASSWORD}@db:5432/${DB_NAME}
      NODE_ENV: production
    networks: [backend, frontend]
    depends_on:
      db:
        condition: service_ready
    restart: on-failure:3
    command: npm start
  grafana:
    image: grafana/grafana:10.4.0
    ports:
      - "3001:3000"
    environment:
      GF_SECURITY_ADMIN_PASSWORD: ${GRAFANA_PASSWORD:-admin}
    depends_on: [prometheus]
  prometheus:
    image: prom/prometheus:v2.51.0
    volumes:
      - promdata:/prometheus
networks:
  backend: {}
  frontend:
    driver: bridge
volumes:
  pgdata: {}
  promdata: {}
`

func attendanceEnv() *config.EnvSource {
	return config.NewEnvSource(
		[2]string{"DB_USER", "att"},
		[2]string{"DB_PASSWORD", "pa$$word"},
		[2]string{"DB_NAME", "attendance"},
	)
}

// workdir creates a project directory with an app build context.
func workdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "Dockerfile"), []byte("FROM node:20\n"), 0o644))
	return dir
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_AttendanceStack(t *testing.T) {
	dir := workdir(t)

	st, err := Parse([]byte(attendanceStack), attendanceEnv(), ParseOptions{WorkingDir: dir})
	require.NoError(t, err)

	assert.Equal(t, "attendance", st.Name)
	assert.Equal(t, []string{"db", "app", "grafana", "prometheus"}, st.ServiceNames())

	db, ok := st.Service("db")
	require.True(t, ok)
	assert.Equal(t, "postgres:16", db.Image)
	assert.Equal(t, "att", db.Environment["POSTGRES_USER"])
	assert.Equal(t, "pa$$word", db.Environment["POSTGRES_PASSWORD"])
	assert.Equal(t, []Port{{Host: 5432, Container: 5432, Protocol: "tcp"}}, db.Ports)
	assert.Equal(t, RestartPolicy{Mode: RestartUnlessStopped}, db.Restart)
	require.Len(t, db.Mounts, 2)
	assert.Equal(t, Mount{Kind: MountVolume, Source: "pgdata", Target: "/var/lib/postgresql/data"}, db.Mounts[0])
	assert.Equal(t, Mount{Kind: MountBind, Source: filepath.Join(dir, "init.sql"), Target: "/docker-entrypoint-initdb.d/init.sql", ReadOnly: true}, db.Mounts[1])
	require.NotNil(t, db.HealthCheck)
	assert.Equal(t, []string{"CMD-SHELL", "pg_isready -U att"}, db.HealthCheck.Test)
	assert.Equal(t, 5*time.Second, db.HealthCheck.Interval)
	assert.Equal(t, 5, db.HealthCheck.Retries)
	require.NotNil(t, db.Readiness)
	assert.Equal(t, Readiness{Kind: ProbePostgres, Port: 5432, Interval: time.Second}, *db.Readiness)

	app, ok := st.Service("app")
	require.True(t, ok)
	require.NotNil(t, app.Build)
	assert.Equal(t, filepath.Join(dir, "app"), app.Build.Context)
	assert.Equal(t, "Dockerfile", app.Build.Dockerfile)
	assert.Equal(t, "postgres://att:pa$$word@db:5432/attendance", app.Environment["DATABASE_URL"])
	assert.Equal(t, []Dependency{{Service: "db", Condition: ConditionReady}}, app.DependsOn)
	assert.Equal(t, RestartPolicy{Mode: RestartOnFailure, MaxRetries: 3}, app.Restart)
	assert.Equal(t, []string{"npm", "start"}, app.Command)
	assert.Equal(t, []string{"backend", "frontend"}, app.Networks)

	grafana, _ := st.Service("grafana")
	assert.Equal(t, "admin", grafana.Environment["GF_SECURITY_ADMIN_PASSWORD"])
	assert.Equal(t, []string{DefaultNetwork}, grafana.Networks)
	assert.Equal(t, []Dependency{{Service: "prometheus", Condition: ConditionStarted}}, grafana.DependsOn)
	assert.Equal(t, RestartPolicy{Mode: RestartNo}, grafana.Restart)

	var networks []string
	for _, n := range st.Networks {
		networks = append(networks, n.Name)
	}
	assert.Equal(t, []string{"backend", "frontend", DefaultNetwork}, networks)
	front, _ := st.Network("frontend")
	assert.Equal(t, "bridge", front.Driver)

	assert.Len(t, st.Volumes, 2)
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse([]byte("  \n"), config.NewEnvSource(), ParseOptions{})
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_NoServices(t *testing.T) {
	_, err := Parse([]byte("name: x\nservices: {}\n"), config.NewEnvSource(), ParseOptions{})
	assert.ErrorIs(t, err, ErrNoServices)
}

func TestParse_MissingKeyNamesKeyAndService(t *testing.T) {
	env := config.NewEnvSource([2]string{"DB_USER", "att"}, [2]string{"DB_NAME", "attendance"})

	_, err := Parse([]byte(attendanceStack), env, ParseOptions{WorkingDir: workdir(t)})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingKey)

	var mk *config.MissingKeyError
	require.ErrorAs(t, err, &mk)
	assert.Equal(t, "DB_PASSWORD", mk.Key)
	assert.Equal(t, "db", mk.Service)
}

func TestParse_BareEnvironmentEntryTakenFromSource(t *testing.T) {
	src := `
services:
  app:
    image: node:20
    environment:
      - API_KEY
`
	st, err := Parse([]byte(src), config.NewEnvSource([2]string{"API_KEY", "k"}), ParseOptions{})
	require.NoError(t, err)
	app, _ := st.Service("app")
	assert.Equal(t, "k", app.Environment["API_KEY"])

	_, err = Parse([]byte(src), config.NewEnvSource(), ParseOptions{})
	assert.ErrorIs(t, err, config.ErrMissingKey)
}

func TestParse_UnknownDependsOnCondition(t *testing.T) {
	src := `
services:
  db:
    image: postgres:16
  app:
    image: node:20
    depends_on:
      db:
        condition: service_completed
`
	_, err := Parse([]byte(src), config.NewEnvSource(), ParseOptions{})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestParse_ProjectNameOverride(t *testing.T) {
	st, err := Parse([]byte("name: attendance\nservices:\n  db:\n    image: postgres:16\n"), config.NewEnvSource(), ParseOptions{ProjectName: "Staging Env"})
	require.NoError(t, err)
	assert.Equal(t, "staging-env", st.Name)
}

func TestParseRestart(t *testing.T) {
	tests := []struct {
		in      string
		want    RestartPolicy
		wantErr bool
	}{
		{in: "", want: RestartPolicy{Mode: RestartNo}},
		{in: "no", want: RestartPolicy{Mode: RestartNo}},
		{in: "always", want: RestartPolicy{Mode: RestartAlways}},
		{in: "unless-stopped", want: RestartPolicy{Mode: RestartUnlessStopped}},
		{in: "on-failure", want: RestartPolicy{Mode: RestartOnFailure}},
		{in: "on-failure:5", want: RestartPolicy{Mode: RestartOnFailure, MaxRetries: 5}},
		{in: "on-failure:x", wantErr: true},
		{in: "always:2", wantErr: true},
		{in: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRestart(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRestart)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Round Trip Tests
// =============================================================================

func TestMarshal_RoundTrip(t *testing.T) {
	dir := workdir(t)

	first, err := Parse([]byte(attendanceStack), attendanceEnv(), ParseOptions{WorkingDir: dir})
	require.NoError(t, err)

	out, err := Marshal(first)
	require.NoError(t, err)

	second, err := Parse(out, config.NewEnvSource(), ParseOptions{WorkingDir: dir})
	require.NoError(t, err, string(out))

	assert.Equal(t, first, second)
}

func TestParse_NetworksKeepDeclarationOrder(t *testing.T) {
	src := `
name: shop
services:
  api:
    image: node:20
    networks: [frontend, backend]
  worker:
    image: node:20
    networks:
      queue: {}
      backend: {}
networks:
  backend: {}
  frontend: {}
  queue: {}
`
	st, err := Parse([]byte(src), config.NewEnvSource(), ParseOptions{})
	require.NoError(t, err)

	api, _ := st.Service("api")
	assert.Equal(t, []string{"frontend", "backend"}, api.Networks)
	worker, _ := st.Service("worker")
	assert.Equal(t, []string{"queue", "backend"}, worker.Networks)

	out, err := Marshal(st)
	require.NoError(t, err)
	again, err := Parse(out, config.NewEnvSource(), ParseOptions{})
	require.NoError(t, err, string(out))
	api, _ = again.Service("api")
	assert.Equal(t, []string{"frontend", "backend"}, api.Networks)
}

func TestDeclaredFirst(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, declaredFirst([]string{"a", "b", "c"}, []string{"b", "a"}))
	assert.Equal(t, []string{"a", "b"}, declaredFirst([]string{"a", "b"}, nil))
	assert.Equal(t, []string{"b", "a"}, declaredFirst([]string{"a", "b"}, []string{"x", "b", "b"}))
}

func TestMarshal_EscapesDollar(t *testing.T) {
	st := &Stack{
		Name: "x",
		Services: []Service{{
			Name:        "app",
			Image:       "node:20",
			Environment: map[string]string{"PRICE": "$5"},
			Networks:    []string{DefaultNetwork},
			Restart:     RestartPolicy{Mode: RestartNo},
		}},
		Networks: []Network{{Name: DefaultNetwork}},
	}

	out, err := Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(out), "$$5")

	back, err := Parse(out, config.NewEnvSource(), ParseOptions{})
	require.NoError(t, err)
	app, _ := back.Service("app")
	assert.Equal(t, "$5", app.Environment["PRICE"])
}
