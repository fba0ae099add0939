package launcher

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/stack"
)

func tcp(port uint16) stack.Port {
	return stack.Port{Host: port, Container: port, Protocol: "tcp"}
}

func TestPortRegistry_ClaimIsAllOrNothing(t *testing.T) {
	r := NewPortRegistry()
	r.Probe = nil

	require.NoError(t, r.Claim("db", []stack.Port{tcp(5432)}))

	err := r.Claim("mongo", []stack.Port{tcp(27017), tcp(5432)})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrPortInUse)

	var pe *PortError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "5432/tcp", pe.Port)
	assert.Contains(t, pe.Holder, "db")

	_, held := r.Owner("27017/tcp")
	assert.False(t, held, "partial claim must be rolled back")

	r.Release("db")
	assert.NoError(t, r.Claim("mongo", []stack.Port{tcp(27017), tcp(5432)}))
}

func TestPortRegistry_ConcurrentClaims(t *testing.T) {
	r := NewPortRegistry()
	r.Probe = nil

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- r.Claim(string(rune('a'+i)), []stack.Port{tcp(8080)})
		}(i)
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestPortRegistry_ExternalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	r := NewPortRegistry()
	err = r.Claim("db", []stack.Port{{HostIP: "127.0.0.1", Host: port, Container: 5432, Protocol: "tcp"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrPortInUse)

	var pe *PortError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Holder, "outside the stack")

	// a running container of the same service is not an external holder
	assert.NoError(t, r.Adopt("db", []stack.Port{{HostIP: "127.0.0.1", Host: port, Container: 5432, Protocol: "tcp"}}))
}

func TestPortRegistry_IgnoresUnpublished(t *testing.T) {
	r := NewPortRegistry()
	assert.NoError(t, r.Claim("app", []stack.Port{{Container: 3000, Protocol: "tcp"}}))
}
