package engine

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// =============================================================================
// Memory Engine Tests
// =============================================================================

func TestMemory_ContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.PullImage(ctx, "postgres:16", io.Discard))
	require.NoError(t, m.CreateNetwork(ctx, NetworkSpec{Name: "attendance_backend"}))

	id, err := m.CreateContainer(ctx, ContainerSpec{
		Name:     "stasis-attendance-db",
		Image:    "postgres:16",
		Networks: map[string][]string{"attendance_backend": {"db"}},
		Labels:   map[string]string{LabelProject: "attendance", LabelService: "db"},
	})
	require.NoError(t, err)

	require.NoError(t, m.StartContainer(ctx, id))
	info, err := m.InspectContainer(ctx, "stasis-attendance-db")
	require.NoError(t, err)
	assert.True(t, info.Running())
	assert.NotEmpty(t, info.Addresses["attendance_backend"])

	list, err := m.ListContainers(ctx, map[string]string{LabelProject: "attendance"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	done := make(chan int, 1)
	go func() {
		code, _ := m.WaitContainer(ctx, id)
		done <- code
	}()
	require.NoError(t, m.Exit(id, 3))
	select {
	case code := <-done:
		assert.Equal(t, 3, code)
	case <-time.After(time.Second):
		t.Fatal("WaitContainer did not return")
	}

	require.NoError(t, m.RemoveContainer(ctx, id))
	_, err = m.InspectContainer(ctx, id)
	assert.True(t, IsNotFound(err))
}

func TestMemory_CreateRequiresImageAndNetwork(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.CreateContainer(ctx, ContainerSpec{Name: "a", Image: "missing:1"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.PullImage(ctx, "busybox", nil))
	_, err = m.CreateContainer(ctx, ContainerSpec{Name: "a", Image: "busybox", Networks: map[string][]string{"nope": nil}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ScriptedFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PullErrors["mongo:nope"] = NewError("PullImage", "image", "mongo:nope", "manifest unknown", ErrImageUnresolved)
	m.StartErrors["web"] = []error{errors.New("boom")}

	assert.ErrorIs(t, m.PullImage(ctx, "mongo:nope", nil), ErrImageUnresolved)

	require.NoError(t, m.PullImage(ctx, "nginx", nil))
	id, err := m.CreateContainer(ctx, ContainerSpec{Name: "web", Image: "nginx"})
	require.NoError(t, err)
	assert.EqualError(t, m.StartContainer(ctx, id), "boom")
	assert.NoError(t, m.StartContainer(ctx, id))
	assert.Equal(t, 2, m.Calls("StartContainer"))
}

func TestMemory_StatPath(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.ImageFiles["prom/prometheus"] = map[string]PathInfo{
		"/etc/prometheus/prometheus.yml": {Path: "/etc/prometheus/prometheus.yml"},
	}
	require.NoError(t, m.PullImage(ctx, "prom/prometheus", nil))
	id, err := m.CreateContainer(ctx, ContainerSpec{Name: "prometheus", Image: "prom/prometheus"})
	require.NoError(t, err)

	info, err := m.StatPath(ctx, id, "/etc/prometheus/prometheus.yml/")
	require.NoError(t, err)
	assert.False(t, info.IsDir)

	_, err = m.StatPath(ctx, id, "/prometheus")
	assert.True(t, IsNotFound(err))
}

func TestMemory_CopyFromVolume(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.PullImage(ctx, "busybox", nil))
	require.NoError(t, m.CreateVolume(ctx, VolumeSpec{Name: "attendance_pgdata"}))
	m.VolumeFiles["attendance_pgdata"] = map[string][]byte{"PG_VERSION": []byte("16\n")}

	id, err := m.CreateContainer(ctx, ContainerSpec{
		Name:    "export",
		Image:   "busybox",
		Stopped: true,
		Mounts:  []MountSpec{{Kind: stack.MountVolume, Source: "attendance_pgdata", Target: "/data"}},
	})
	require.NoError(t, err)

	rc, err := m.CopyFrom(ctx, id, "/data")
	require.NoError(t, err)
	defer rc.Close()

	tr := tar.NewReader(rc)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{"data/", "data/PG_VERSION"}, names)
	assert.ErrorIs(t, m.StartContainer(ctx, id), ErrUnsupported)
}
