package discovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sarth-shah20/stasis/internal/stack"
)

// Probe describes one readiness attempt.
type Probe struct {
	Kind stack.ProbeKind
	Addr string // host:port
	Path string // http only
	// Env is the target service's environment; database probes take
	// credentials from it.
	Env map[string]string
}

// Prober runs a single readiness attempt. A nil error means the target
// accepts connections of its kind.
type Prober interface {
	Probe(ctx context.Context, p Probe) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, p Probe) error

func (f ProberFunc) Probe(ctx context.Context, p Probe) error { return f(ctx, p) }

// NetProber probes over the network with the protocol drivers.
type NetProber struct {
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// Postgres answers 57P03 while it is starting up or recovering.
const pgCannotConnectNow = "57P03"

func (n NetProber) Probe(ctx context.Context, p Probe) error {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch p.Kind {
	case stack.ProbePostgres:
		err = probePostgres(ctx, p)
	case stack.ProbeMySQL:
		err = probeMySQL(ctx, p, timeout)
	case stack.ProbeRedis:
		err = probeRedis(ctx, p, timeout)
	case stack.ProbeHTTP:
		err = probeHTTP(ctx, p)
	default:
		err = probeTCP(ctx, p)
	}
	if err == nil {
		return nil
	}
	return classify(p, err)
}

func probeTCP(ctx context.Context, p Probe) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeHTTP(ctx context.Context, p Probe) error {
	path := p.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+p.Addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &ProbeError{Kind: p.Kind, Addr: p.Addr, Err: ErrNotReady, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// probePostgres treats any server-side answer except "starting up" as ready:
// bad credentials still prove the server is accepting connections.
func probePostgres(ctx context.Context, p Probe) error {
	user := envOr(p.Env, "POSTGRES_USER", "postgres")
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, p.Env["POSTGRES_PASSWORD"]),
		Host:     p.Addr,
		Path:     "/" + envOr(p.Env, "POSTGRES_DB", user),
		RawQuery: "sslmode=disable",
	}
	connector, err := pq.NewConnector(dsn.String())
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	err = db.PingContext(ctx)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == pgCannotConnectNow {
			return &ProbeError{Kind: p.Kind, Addr: p.Addr, Err: ErrNotReady, Cause: err}
		}
		return nil
	}
	return err
}

func probeMySQL(ctx context.Context, p Probe, timeout time.Duration) error {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = p.Addr
	cfg.User = envOr(p.Env, "MYSQL_USER", "root")
	cfg.Passwd = envOr(p.Env, "MYSQL_PASSWORD", p.Env["MYSQL_ROOT_PASSWORD"])
	cfg.DBName = p.Env["MYSQL_DATABASE"]
	cfg.Timeout = timeout

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector)
	defer db.Close()

	err = db.PingContext(ctx)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return nil
	}
	return err
}

func probeRedis(ctx context.Context, p Probe, timeout time.Duration) error {
	client := redis.NewClient(&redis.Options{
		Addr:        p.Addr,
		Password:    p.Env["REDIS_PASSWORD"],
		DialTimeout: timeout,
		MaxRetries:  -1,
	})
	defer client.Close()

	err := client.Ping(ctx).Err()
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		if strings.HasPrefix(redisErr.Error(), "LOADING") {
			return &ProbeError{Kind: p.Kind, Addr: p.Addr, Err: ErrNotReady, Cause: err}
		}
		return nil
	}
	return err
}

// classify separates "nothing listening yet" from "name does not exist".
func classify(p Probe, err error) error {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return &ProbeError{Kind: p.Kind, Addr: p.Addr, Err: ErrHostUnresolvable, Cause: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ProbeError{Kind: p.Kind, Addr: p.Addr, Err: ErrConnectionRefused, Cause: err}
	default:
		return &ProbeError{Kind: p.Kind, Addr: p.Addr, Err: ErrNotReady, Cause: err}
	}
}

func envOr(env map[string]string, key, fallback string) string {
	if v := env[key]; v != "" {
		return v
	}
	return fallback
}

// ProbeAddress picks where a host-side probe reaches svc.
//
// A tcp probe goes to the container's address on its first network: a
// published port is accepted by the engine's port proxy as soon as the
// container starts, whether or not anything listens behind it. Protocol
// probes complete a handshake, so they may use the published port, dialled
// on the address it was published on.
func ProbeAddress(svc *stack.Service, addresses map[string]string) string {
	if svc.Readiness == nil {
		return ""
	}
	port := svc.Readiness.Port

	internal := ""
	for _, n := range svc.Networks {
		if ip := addresses[n]; ip != "" {
			internal = net.JoinHostPort(ip, fmt.Sprint(port))
			break
		}
	}
	if svc.Readiness.Kind == stack.ProbeTCP && internal != "" {
		return internal
	}

	for _, p := range svc.Ports {
		if p.Container == port && p.Host != 0 && p.Protocol != "udp" {
			return net.JoinHostPort(publishedHost(p.HostIP), fmt.Sprint(p.Host))
		}
	}
	return internal
}

// publishedHost is the address a port published on hostIP is reachable at
// from this host.
func publishedHost(hostIP string) string {
	switch hostIP {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	}
	return hostIP
}
