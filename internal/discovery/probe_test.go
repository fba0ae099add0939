package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// =============================================================================
// Probe Tests
// =============================================================================

func TestNetProber_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	err = NetProber{Timeout: time.Second}.Probe(context.Background(), Probe{Kind: stack.ProbeTCP, Addr: ln.Addr().String()})
	assert.NoError(t, err)
}

func TestNetProber_ConnectionRefusedIsNotUnresolvable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = NetProber{Timeout: time.Second}.Probe(context.Background(), Probe{Kind: stack.ProbeTCP, Addr: addr})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.NotErrorIs(t, err, ErrHostUnresolvable)

	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, addr, pe.Addr)
}

func TestNetProber_HTTP(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := Probe{Kind: stack.ProbeHTTP, Addr: strings.TrimPrefix(srv.URL, "http://"), Path: "/health"}

	err := NetProber{}.Probe(context.Background(), probe)
	assert.ErrorIs(t, err, ErrNotReady)

	healthy.Store(true)
	assert.NoError(t, NetProber{}.Probe(context.Background(), probe))
}

func TestProbeAddress(t *testing.T) {
	addrs := map[string]string{"backend": "172.30.0.2"}
	svc := &stack.Service{
		Name:      "db",
		Ports:     []stack.Port{{Host: 15432, Container: 5432, Protocol: "tcp"}},
		Networks:  []string{"backend"},
		Readiness: &stack.Readiness{Kind: stack.ProbePostgres, Port: 5432},
	}
	assert.Equal(t, "127.0.0.1:15432", ProbeAddress(svc, addrs))

	svc.Ports[0].HostIP = "127.0.0.2"
	assert.Equal(t, "127.0.0.2:15432", ProbeAddress(svc, addrs))

	svc.Ports = nil
	assert.Equal(t, "172.30.0.2:5432", ProbeAddress(svc, addrs))
	assert.Empty(t, ProbeAddress(svc, nil))
}

func TestProbeAddress_TCPSkipsPublishedPort(t *testing.T) {
	svc := &stack.Service{
		Name:      "api",
		Ports:     []stack.Port{{Host: 8080, Container: 3000, Protocol: "tcp"}},
		Networks:  []string{"backend"},
		Readiness: &stack.Readiness{Kind: stack.ProbeTCP, Port: 3000},
	}
	assert.Equal(t, "172.30.0.5:3000", ProbeAddress(svc, map[string]string{"backend": "172.30.0.5"}))

	// no container address known yet
	assert.Equal(t, "127.0.0.1:8080", ProbeAddress(svc, nil))
}
