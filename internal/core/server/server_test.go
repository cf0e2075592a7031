package server

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/transport/memnet"
	"github.com/dep2p/go-zonerpc/internal/core/transport/udp"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

func connConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.IdleTimeout = 2 * time.Second
	cfg.DrainTimeout = 500 * time.Millisecond
	return cfg
}

func testConfig() Config {
	return Config{
		ServerID:          "zone-0",
		Zone:              0,
		ResponseCacheSize: 64,
		ShutdownGrace:     time.Second,
		Connection:        connConfig(),
	}
}

func transportConfig() config.TransportConfig {
	tcfg := config.DefaultTransportConfig()
	tcfg.Name = config.TransportMem
	return tcfg
}

func testManifest(version uint64) *manifest.Manifest {
	return manifest.New(version,
		manifest.Entry{InterfaceID: "echo", ImplementationID: "echo.v1"},
		manifest.Entry{InterfaceID: "counter", ImplementationID: "counter.v1"},
	)
}

// countingInvoker echo 回显参数，counter 返回调用次数
type countingInvoker struct {
	calls atomic.Int32
}

func (inv *countingInvoker) Invoke(_ context.Context, call *interfaces.Invocation) ([]byte, error) {
	n := inv.calls.Add(1)
	switch call.InterfaceID {
	case "echo":
		return call.Args, nil
	case "counter":
		return []byte{byte(n)}, nil
	case "panic":
		panic("boom")
	default:
		return nil, errors.New("unknown interface")
	}
}

type fixture struct {
	t      *testing.T
	net    *memnet.Network
	srvTr  *udp.Transport
	client *udp.Transport
	inv    *countingInvoker
	srv    *Server
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	n := memnet.NewNetwork(5)
	f := &fixture{
		t:      t,
		net:    n,
		srvTr:  udp.New(transportConfig(), udp.WithNetwork(n)),
		client: udp.New(transportConfig(), udp.WithNetwork(n)),
		inv:    &countingInvoker{},
	}
	require.NoError(t, f.srvTr.Start(types.NewEndpoint("127.0.0.1", 0)))
	require.NoError(t, f.client.Start(types.NewEndpoint("127.0.0.1", 0)))

	srv, err := New(cfg, f.srvTr, f.inv, append([]Option{WithManifest(testManifest(1))}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	f.srv = srv

	t.Cleanup(func() {
		srv.Stop(context.Background())
		f.client.Close()
		f.srvTr.Close()
	})
	return f
}

func (f *fixture) dial(token []byte, cb connection.Callbacks) (*connection.Connection, error) {
	c, err := connection.Dial(context.Background(), connection.DialParams{
		Transport: f.client,
		Remote:    f.srvTr.LocalEndpoint(),
		Token:     token,
		ClientID:  "player-1",
		Config:    connConfig(),
		Callbacks: cb,
	})
	if err == nil {
		f.t.Cleanup(func() { c.Close() })
	}
	return c, err
}

func (f *fixture) mustDial(cb connection.Callbacks) *connection.Connection {
	f.t.Helper()
	c, err := f.dial(nil, cb)
	require.NoError(f.t, err)
	return c
}

// ============================================================================
//                              配置
// ============================================================================

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty id", func(c *Config) { c.ServerID = "" }},
		{"no zone", func(c *Config) { c.Zone = types.NoZone }},
		{"cache size", func(c *Config) { c.ResponseCacheSize = 0 }},
		{"push interval", func(c *Config) { c.PushInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNew_RequiresInvoker(t *testing.T) {
	tr := udp.New(transportConfig(), udp.WithNetwork(memnet.NewNetwork(1)))
	_, err := New(testConfig(), tr, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// ============================================================================
//                              请求
// ============================================================================

func TestServer_HandshakeAndCall(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.mustDial(connection.Callbacks{})

	assert.Equal(t, "zone-0", c.PeerID())
	assert.Equal(t, types.ZoneID(0), c.AssignedZone())
	assert.Equal(t, uint64(1), c.Manifest().Version())

	got, err := c.Call(context.Background(), connection.Request{InterfaceID: "echo", Args: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.Eventually(t, func() bool { return len(f.srv.Connections()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "player-1", f.srv.Connections()[0].PeerID())

	t.Log("✅ 握手并完成一次调用")
}

func TestServer_LargePayloadRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.CompressThreshold = 64
	f := newFixture(t, cfg)
	c := f.mustDial(connection.Callbacks{})

	payload := bytes.Repeat([]byte("zone"), 1024)
	got, err := c.Call(context.Background(), connection.Request{InterfaceID: "echo", Args: payload})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestServer_UnknownInterfaceAndPanic(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.mustDial(connection.Callbacks{})

	_, err := c.Call(context.Background(), connection.Request{InterfaceID: "missing"})
	var re *types.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, string(re.Payload), "not in manifest")

	require.NoError(t, f.srv.UpdateManifest(manifest.New(2, manifest.Entry{InterfaceID: "panic", ImplementationID: "p"})))
	require.Eventually(t, func() bool { return c.Manifest().Version() == 2 }, time.Second, 10*time.Millisecond)

	_, err = c.Call(context.Background(), connection.Request{InterfaceID: "panic"})
	require.ErrorAs(t, err, &re)
	assert.Contains(t, string(re.Payload), "invoker panic")
	assert.Equal(t, types.StateConnected, c.State(), "调用 panic 不影响连接")
}

func TestServer_TokenRejected(t *testing.T) {
	validator := interfaces.TokenValidatorFunc(func(_ context.Context, token []byte, _ types.Endpoint) error {
		if string(token) != "secret" {
			return errors.New("invalid token")
		}
		return nil
	})
	f := newFixture(t, testConfig(), WithTokenValidator(validator))

	_, err := f.dial([]byte("wrong"), connection.Callbacks{})
	require.ErrorIs(t, err, types.ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "invalid token")

	c, err := f.dial([]byte("secret"), connection.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, types.StateConnected, c.State())
}

type denyAdmitter struct{ deny string }

func (a denyAdmitter) Admit(_ context.Context, _ string, call *interfaces.Invocation) error {
	if call.InterfaceID == a.deny {
		return errors.New("rate limited")
	}
	return nil
}

type sizePolicy struct{ max int }

func (p sizePolicy) CheckPayload(_ string, _ uint32, payload []byte) error {
	if len(payload) > p.max {
		return errors.New("payload too large")
	}
	return nil
}

func TestServer_PolicyHooks(t *testing.T) {
	f := newFixture(t, testConfig(),
		WithAdmitter(denyAdmitter{deny: "counter"}),
		WithPayloadPolicy(sizePolicy{max: 8}),
	)
	c := f.mustDial(connection.Callbacks{})
	ctx := context.Background()

	_, err := c.Call(ctx, connection.Request{InterfaceID: "counter"})
	var re *types.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, string(re.Payload), "not admitted")

	_, err = c.Call(ctx, connection.Request{InterfaceID: "echo", Args: []byte("0123456789")})
	require.ErrorAs(t, err, &re)
	assert.Contains(t, string(re.Payload), "payload rejected")

	_, err = c.Call(ctx, connection.Request{InterfaceID: "echo", Args: []byte("ok")})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), f.inv.calls.Load(), "被拒绝的请求不会执行")
}

func TestServer_ResubmissionAnsweredFromCache(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	id := uuid.New()

	c1 := f.mustDial(connection.Callbacks{})
	first, err := c1.Call(ctx, connection.Request{ID: id, InterfaceID: "counter"})
	require.NoError(t, err)

	again, err := c1.Call(ctx, connection.Request{ID: id, InterfaceID: "counter"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// 重连后在新连接上重新提交
	c2 := f.mustDial(connection.Callbacks{})
	resubmitted, err := c2.Call(ctx, connection.Request{ID: id, InterfaceID: "counter"})
	require.NoError(t, err)
	assert.Equal(t, first, resubmitted)
	assert.Equal(t, int32(1), f.inv.calls.Load())

	fresh, err := c2.Call(ctx, connection.Request{InterfaceID: "counter"})
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, fresh)

	t.Log("✅ 相同请求 ID 只执行一次")
}

func TestServer_OneWayNotCached(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.mustDial(connection.Callbacks{})
	id := uuid.New()

	require.NoError(t, c.Send(connection.Request{ID: id, InterfaceID: "counter"}, types.ReliableOrdered))
	require.NoError(t, c.Send(connection.Request{ID: id, InterfaceID: "counter"}, types.ReliableOrdered))
	require.Eventually(t, func() bool { return f.inv.calls.Load() == 2 }, time.Second, 10*time.Millisecond)
}

// ============================================================================
//                              推送与 manifest
// ============================================================================

func TestServer_PeriodicPush(t *testing.T) {
	cfg := testConfig()
	cfg.PushInterval = 20 * time.Millisecond
	f := newFixture(t, cfg)

	topics := make(chan string, 16)
	f.mustDial(connection.Callbacks{
		OnPush: func(_ *connection.Connection, p *wire.Push) {
			select {
			case topics <- p.Topic:
			default:
			}
		},
	})

	select {
	case topic := <-topics:
		assert.Equal(t, StateTopic, topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no state push received")
	}
}

func TestServer_CustomStateAndManualPush(t *testing.T) {
	cfg := testConfig()
	cfg.PushInterval = 20 * time.Millisecond
	var ticks atomic.Int32
	f := newFixture(t, cfg, WithStateFunc(func(time.Time) (string, []byte, bool) {
		ticks.Add(1)
		return "", nil, false
	}))

	topics := make(chan string, 16)
	f.mustDial(connection.Callbacks{
		OnPush: func(_ *connection.Connection, p *wire.Push) {
			select {
			case topics <- p.Topic:
			default:
			}
		},
	})
	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, topics, "状态来源返回 false 时不推送")

	require.Eventually(t, func() bool { return f.srv.Push("weather", []byte("rain")) == 1 }, time.Second, 10*time.Millisecond)
	select {
	case topic := <-topics:
		assert.Equal(t, "weather", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("manual push not received")
	}
}

func TestServer_UpdateManifest(t *testing.T) {
	f := newFixture(t, testConfig())

	updates := make(chan *manifest.Manifest, 1)
	c := f.mustDial(connection.Callbacks{
		OnManifest: func(_ *connection.Connection, m *manifest.Manifest) { updates <- m },
	})
	require.Eventually(t, func() bool { return len(f.srv.Connections()) == 1 }, time.Second, 10*time.Millisecond)

	next := manifest.New(2, manifest.Entry{InterfaceID: "echo", ImplementationID: "echo.v2"})
	require.NoError(t, f.srv.UpdateManifest(next))

	select {
	case m := <-updates:
		assert.True(t, m.Equal(next))
	case <-time.After(2 * time.Second):
		t.Fatal("manifest update not received")
	}
	assert.Equal(t, uint64(2), c.Manifest().Version())
	assert.Same(t, next, f.srv.Manifest())

	_, err := c.Call(context.Background(), connection.Request{InterfaceID: "counter"})
	var re *types.RemoteError
	assert.ErrorAs(t, err, &re, "counter 已不在 manifest 中")
}

// ============================================================================
//                              停止
// ============================================================================

func TestServer_StopDrainsClients(t *testing.T) {
	f := newFixture(t, testConfig())

	goodbye := make(chan string, 1)
	c := f.mustDial(connection.Callbacks{
		OnGoodbye: func(_ *connection.Connection, reason string) { goodbye <- reason },
	})
	require.Eventually(t, func() bool { return len(f.srv.Connections()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.srv.Stop(context.Background()))
	select {
	case reason := <-goodbye:
		assert.Equal(t, "server shutdown", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("goodbye not received")
	}

	require.Eventually(t, func() bool { return c.State().Terminal() }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.srv.Connections())
	assert.NoError(t, f.srv.Stop(context.Background()), "重复停止无副作用")
	assert.ErrorIs(t, f.srv.Start(context.Background()), ErrServerClosed)

	_, err := f.dial(nil, connection.Callbacks{})
	assert.Error(t, err, "停止后不再接受连接")
}
