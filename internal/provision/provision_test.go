package provision

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/stack"
)

func testStack() *stack.Stack {
	return &stack.Stack{
		Name: "attendance",
		Services: []stack.Service{
			{
				Name:     "db",
				Image:    "postgres:16",
				Networks: []string{"backend"},
				Mounts:   []stack.Mount{{Kind: stack.MountVolume, Source: "pgdata", Target: "/var/lib/postgresql/data"}},
			},
			{
				Name:     "grafana",
				Image:    "grafana/grafana",
				Networks: []string{"monitoring"},
				Mounts:   []stack.Mount{{Kind: stack.MountVolume, Source: "grafana", Target: "/var/lib/grafana"}},
			},
		},
		Networks: []stack.Network{{Name: "backend"}, {Name: "monitoring"}, {Name: "unused"}},
		Volumes:  []stack.Volume{{Name: "pgdata"}, {Name: "grafana"}},
	}
}

// =============================================================================
// Ensure Tests
// =============================================================================

func TestEnsure_CreatesReferencedResources(t *testing.T) {
	eng := engine.NewMemory()
	p := New(eng, "attendance", nil)

	report := p.Ensure(context.Background(), testStack())
	require.NoError(t, report.Err())
	assert.Equal(t, 4, report.Count(StatusCreated))

	info, err := eng.InspectNetwork(context.Background(), "attendance_backend")
	require.NoError(t, err)
	assert.Equal(t, "attendance", info.Labels[engine.LabelProject])
	assert.Equal(t, "backend", info.Labels[engine.LabelNetwork])

	_, err = eng.InspectNetwork(context.Background(), "attendance_unused")
	assert.True(t, engine.IsNotFound(err))
}

func TestEnsure_Idempotent(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewMemory()
	p := New(eng, "attendance", nil)

	require.NoError(t, p.Ensure(ctx, testStack()).Err())
	networks, volumes := eng.Calls("CreateNetwork"), eng.Calls("CreateVolume")

	again := p.Ensure(ctx, testStack())
	require.NoError(t, again.Err())
	assert.Equal(t, 0, again.Count(StatusCreated))
	assert.Equal(t, 4, again.Count(StatusExisting))
	assert.Equal(t, networks, eng.Calls("CreateNetwork"))
	assert.Equal(t, volumes, eng.Calls("CreateVolume"))
}

func TestEnsure_ConcurrentCallersCreateOnce(t *testing.T) {
	eng := engine.NewMemory()
	p := New(eng, "attendance", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Ensure(context.Background(), testStack()).Err())
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, eng.Calls("CreateNetwork"))
	assert.Equal(t, 2, eng.Calls("CreateVolume"))
}

func TestEnsure_ConflictBlocksOnlyAffectedServices(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewMemory()
	require.NoError(t, eng.CreateNetwork(ctx, engine.NetworkSpec{
		Name:   "attendance_backend",
		Labels: map[string]string{engine.LabelProject: "someone-else"},
	}))

	st := testStack()
	report := New(eng, "attendance", nil).Ensure(ctx, st)
	require.Error(t, report.Err())
	assert.ErrorIs(t, report.Err(), ErrResourceConflict)

	db, _ := st.Service("db")
	grafana, _ := st.Service("grafana")

	err := report.Blocked(db)
	require.Error(t, err)
	var re *ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "backend", re.Name)
	assert.Equal(t, "attendance_backend", re.EngineName)

	assert.NoError(t, report.Blocked(grafana))
}

func TestEnsure_DriverMismatch(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewMemory()
	require.NoError(t, eng.CreateVolume(ctx, engine.VolumeSpec{Name: "attendance_pgdata", Driver: "local"}))

	st := testStack()
	st.Volumes[0].Driver = "nfs"
	report := New(eng, "attendance", nil).Ensure(ctx, st)
	assert.ErrorIs(t, report.Err(), ErrResourceConflict)
}

func TestEnsure_ExternalMustExist(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewMemory()

	st := testStack()
	st.Networks[0].External = true
	report := New(eng, "attendance", nil).Ensure(ctx, st)
	assert.ErrorIs(t, report.Err(), ErrExternalMissing)
	assert.Equal(t, 1, eng.Calls("CreateNetwork"))

	require.NoError(t, eng.CreateNetwork(ctx, engine.NetworkSpec{Name: "backend"}))
	report = New(eng, "attendance", nil).Ensure(ctx, st)
	assert.NoError(t, report.Err())
}

// =============================================================================
// Teardown Tests
// =============================================================================

func TestTeardown_KeepsVolumesUnlessAsked(t *testing.T) {
	ctx := context.Background()
	eng := engine.NewMemory()
	p := New(eng, "attendance", nil)
	st := testStack()
	require.NoError(t, p.Ensure(ctx, st).Err())

	require.NoError(t, p.Teardown(ctx, st, false))
	_, err := eng.InspectNetwork(ctx, "attendance_backend")
	assert.True(t, engine.IsNotFound(err))
	_, err = eng.InspectVolume(ctx, "attendance_pgdata")
	assert.NoError(t, err)

	require.NoError(t, p.Teardown(ctx, st, true))
	_, err = eng.InspectVolume(ctx, "attendance_pgdata")
	assert.True(t, engine.IsNotFound(err))
}
