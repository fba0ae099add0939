package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/stack"
)

func svc(name string, deps ...string) stack.Service {
	s := stack.Service{Name: name, Image: "busybox"}
	for _, d := range deps {
		s.DependsOn = append(s.DependsOn, stack.Dependency{Service: d, Condition: stack.ConditionStarted})
	}
	return s
}

func attendance() *stack.Stack {
	return &stack.Stack{
		Name: "attendance",
		Services: []stack.Service{
			svc("grafana", "prometheus"),
			svc("app", "db"),
			svc("jenkins"),
			svc("prometheus", "app"),
			svc("db"),
		},
	}
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestOrder_DependenciesFirst(t *testing.T) {
	order, err := Order(attendance())
	require.NoError(t, err)
	assert.Equal(t, []string{"jenkins", "db", "app", "prometheus", "grafana"}, order)
}

func TestLevels_DeclarationOrderWithinWave(t *testing.T) {
	levels, err := Levels(attendance())
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"jenkins", "db"},
		{"app"},
		{"prometheus"},
		{"grafana"},
	}, levels)
}

func TestOrder_Deterministic(t *testing.T) {
	st := &stack.Stack{Services: []stack.Service{
		svc("e"), svc("d"), svc("c", "e"), svc("b", "d"), svc("a"),
	}}

	first, err := Order(st)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Order(st)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"e", "d", "a", "c", "b"}, first)
}

func TestOrder_CycleDoesNotLoop(t *testing.T) {
	st := &stack.Stack{Services: []stack.Service{
		svc("ok"), svc("a", "b"), svc("b", "a"),
	}}

	_, err := Order(st)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvable)

	var ue *UnresolvableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"a", "b"}, ue.Stuck)
}

func TestReverse(t *testing.T) {
	assert.Equal(t, []string{"c", "b", "a"}, Reverse([]string{"a", "b", "c"}))
	assert.Empty(t, Reverse(nil))
}

func TestDependents(t *testing.T) {
	deps := Dependents(attendance())
	assert.Equal(t, []string{"app"}, deps["db"])
	assert.Equal(t, []string{"prometheus"}, deps["app"])
	assert.Empty(t, deps["jenkins"])
}

func TestClosure(t *testing.T) {
	st := attendance()

	names, err := Closure(st, []string{"prometheus"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "prometheus", "db"}, names)

	names, err = Closure(st, nil)
	require.NoError(t, err)
	assert.Equal(t, st.ServiceNames(), names)

	_, err = Closure(st, []string{"mongo"})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestSubset(t *testing.T) {
	st := attendance()
	sub := Subset(st, []string{"db", "app"})
	assert.Equal(t, []string{"app", "db"}, sub.ServiceNames())

	order, err := Order(sub)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "app"}, order)
}
