package docker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/engine"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Ping(ctx); err != nil {
		m.Close()
		t.Skip("Docker not reachable:", err)
	}
	return m
}

const testPrefix = "stasis-test-"

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestClassifyPullError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"manifest unknown", errors.New("manifest unknown: manifest unknown"), engine.ErrImageUnresolved},
		{"pull access denied", errors.New("pull access denied for mongo-express-nope, repository does not exist or may require 'docker login'"), engine.ErrImageUnresolved},
		{"not found", errors.New("Error response from daemon: manifest for postgres:99 not found"), engine.ErrImageUnresolved},
		{"network", errors.New("Get \"https://registry-1.docker.io/v2/\": net/http: TLS handshake timeout"), engine.ErrPullFailed},
		{"deadline", fmt.Errorf("pulling: %w", context.DeadlineExceeded), engine.ErrPullFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyPullError("img", tt.err)
			assert.ErrorIs(t, err, tt.want)

			var ee *engine.Error
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, "img", ee.ID)
		})
	}
}

func TestClassifyStartError(t *testing.T) {
	mountErr := errors.New(`failed to create task for container: error mounting "/home/me/prometheus.yml" to rootfs at "/etc/prometheus": not a directory: unknown: Are you trying to mount a directory onto a file (or vice-versa)?`)
	assert.ErrorIs(t, classifyStartError("c1", mountErr), engine.ErrMountNotDirectory)

	portErr := errors.New("driver failed programming external connectivity: Bind for 0.0.0.0:5432 failed: port is already allocated")
	assert.ErrorIs(t, classifyStartError("c1", portErr), engine.ErrPortInUse)

	srcErr := errors.New("invalid mount config for type \"bind\": bind source path does not exist: /srv/init.sql")
	assert.ErrorIs(t, classifyStartError("c1", srcErr), engine.ErrMountSourceMissing)

	other := errors.New("OCI runtime create failed")
	err := classifyStartError("c1", other)
	assert.ErrorIs(t, err, other)
}

func TestClassifyStatError(t *testing.T) {
	dirOverFile := errors.New(`Error response from daemon: error mounting "/home/me/conf" to rootfs at "/etc/nginx/nginx.conf": not a directory`)
	assert.ErrorIs(t, classifyStatError("/etc/nginx/nginx.conf", dirOverFile), engine.ErrMountNotDirectory)

	fileOverDir := errors.New(`Error response from daemon: error mounting "/home/me/app.ini" to rootfs at "/etc/app": is a directory`)
	assert.ErrorIs(t, classifyStatError("/etc/app", fileOverDir), engine.ErrMountIsDirectory)

	other := errors.New("Error response from daemon: container c1 is being removed")
	err := classifyStatError("/data", other)
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, engine.ErrNotFound)
}

func TestCheckAPIVersion(t *testing.T) {
	assert.NoError(t, CheckAPIVersion("1.45"))
	assert.NoError(t, CheckAPIVersion("1.41"))
	assert.ErrorIs(t, CheckAPIVersion("1.40"), engine.ErrUnsupported)
	assert.ErrorIs(t, CheckAPIVersion("banana"), engine.ErrUnsupported)
}

// =============================================================================
// Daemon Tests
// =============================================================================

func TestManager_NetworkLifecycle(t *testing.T) {
	m := skipIfNoDocker(t)
	defer m.Close()
	ctx := context.Background()

	name := testPrefix + uuid.NewString()[:8]
	require.NoError(t, m.CreateNetwork(ctx, engine.NetworkSpec{Name: name, Labels: map[string]string{engine.LabelProject: "test"}}))
	defer m.RemoveNetwork(ctx, name)

	info, err := m.InspectNetwork(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "bridge", info.Driver)
	assert.Equal(t, "test", info.Labels[engine.LabelProject])

	err = m.CreateNetwork(ctx, engine.NetworkSpec{Name: name})
	assert.ErrorIs(t, err, engine.ErrAlreadyExists)

	require.NoError(t, m.RemoveNetwork(ctx, name))
	_, err = m.InspectNetwork(ctx, name)
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestManager_PullNonexistentImage(t *testing.T) {
	m := skipIfNoDocker(t)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := m.PullImage(ctx, "stasis-test/definitely-not-a-real-image:0.0.0", nil)
	require.Error(t, err)
	if errors.Is(err, engine.ErrPullFailed) {
		t.Skip("registry not reachable:", err)
	}
	assert.ErrorIs(t, err, engine.ErrImageUnresolved)
}
