package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/transport/memnet"
	"github.com/dep2p/go-zonerpc/internal/core/transport/udp"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/internal/core/zonedir"
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

func managerConfig() connmgr.Config {
	cfg := connmgr.DefaultConfig()
	cfg.Connection = connConfig()
	cfg.ShutdownGrace = time.Second
	cfg.ClientID = "player-1"
	return cfg
}

func controllerConfig() Config {
	return Config{
		Warm: WarmConfig{Enabled: true, OpenDistance: 20, CloseDistance: 40, Interval: 20 * time.Millisecond},
		Transition: TransitionConfig{
			ReentryThreshold: 5,
			ConfirmDelay:     50 * time.Millisecond,
			RateWindow:       10 * time.Second,
			RateCount:        5,
			Cooldown:         time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff:  10 * time.Millisecond,
			MaxBackoff:      100 * time.Millisecond,
			BackoffFactor:   2,
			MaxAttempts:     5,
			HealthWindow:    time.Minute,
			MaxFailureRatio: 0.9,
			MinSamples:      10,
		},
		Watchdog: WatchdogConfig{
			StallThreshold: 200 * time.Millisecond,
			HandshakeStall: 2 * time.Second,
			Interval:       30 * time.Millisecond,
		},
	}
}

func transportConfig() config.TransportConfig {
	tcfg := config.DefaultTransportConfig()
	tcfg.Name = config.TransportMem
	return tcfg
}

// zoneServer 内存网络上的区域服务器，回显 echo 请求
type zoneServer struct {
	info       types.ServerInfo
	tr         *udp.Transport
	handshakes atomic.Int32
	reject     atomic.Bool
	pushing    atomic.Bool

	mu    sync.Mutex
	conns []*connection.Connection
}

func (s *zoneServer) accepted() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*connection.Connection(nil), s.conns...)
}

func (s *zoneServer) closeAll() {
	for _, c := range s.accepted() {
		c.Close()
	}
}

// pushLoop 持续推送状态，直到连接终止
func (s *zoneServer) pushLoop(c *connection.Connection) {
	tk := time.NewTicker(20 * time.Millisecond)
	defer tk.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-tk.C:
			if s.pushing.Load() {
				c.Push("state", []byte{1})
			}
		}
	}
}

type harness struct {
	t       *testing.T
	net     *memnet.Network
	client  *udp.Transport
	grid    *zonedir.Grid
	servers map[string]*zoneServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	n := memnet.NewNetwork(11)
	h := &harness{
		t:       t,
		net:     n,
		client:  udp.New(transportConfig(), udp.WithNetwork(n)),
		grid:    newGrid(t),
		servers: make(map[string]*zoneServer),
	}
	require.NoError(t, h.client.Start(types.NewEndpoint("127.0.0.1", 0)))
	t.Cleanup(func() { h.client.Close() })
	return h
}

func (h *harness) addServer(id string, zone types.ZoneID) *zoneServer {
	h.t.Helper()

	s := &zoneServer{tr: udp.New(transportConfig(), udp.WithNetwork(h.net))}
	require.NoError(h.t, s.tr.Start(types.NewEndpoint("127.0.0.1", 0)))
	s.info = types.ServerInfo{ServerID: id, Endpoint: s.tr.LocalEndpoint(), ZoneID: zone}

	validator := interfaces.TokenValidatorFunc(func(context.Context, []byte, types.Endpoint) error {
		s.handshakes.Add(1)
		if s.reject.Load() {
			return errors.New("token expired")
		}
		return nil
	})
	s.tr.SetEstablishedHandler(func(tc interfaces.TransportConn) {
		c, err := connection.Accept(context.Background(), tc, connection.AcceptParams{
			Config:    connConfig(),
			Validator: validator,
			Manifest:  manifest.New(1, manifest.Entry{InterfaceID: "echo", ImplementationID: id}),
			ServerID:  id,
			Zone:      zone,
			Callbacks: connection.Callbacks{
				OnRequest: func(c *connection.Connection, req *wire.Request) {
					c.Respond(req.ID, req.Args, nil)
				},
			},
		})
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.pushLoop(c)
	})
	h.t.Cleanup(func() {
		s.closeAll()
		s.tr.Close()
	})

	require.NoError(h.t, h.grid.Register(s.info))
	h.servers[id] = s
	return s
}

func (h *harness) controller(cfg Config, mcfg connmgr.Config) (*connmgr.Manager, *Controller) {
	h.t.Helper()
	mgr, err := connmgr.New(mcfg, h.client, connmgr.WithDirectory(h.grid))
	require.NoError(h.t, err)

	ctrl, err := NewController(cfg, mgr, h.grid, h.grid)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		ctrl.Stop(context.Background())
		mgr.Shutdown(context.Background())
	})
	return mgr, ctrl
}

// ============================================================================
//                              测试
// ============================================================================

func TestNewController_Validation(t *testing.T) {
	h := newHarness(t)
	mgr, err := connmgr.New(managerConfig(), h.client)
	require.NoError(t, err)

	_, err = NewController(controllerConfig(), nil, h.grid, h.grid)
	assert.Error(t, err)

	bad := controllerConfig()
	bad.Warm.CloseDistance = bad.Warm.OpenDistance
	_, err = NewController(bad, mgr, h.grid, h.grid)
	assert.Error(t, err)
}

func TestController_TransitionPromotesWarmConnection(t *testing.T) {
	h := newHarness(t)
	h.addServer("s0", 0)
	h.addServer("s1", 1)
	mgr, ctrl := h.controller(controllerConfig(), managerConfig())
	ctx := context.Background()

	transitions := make(chan Transition, 4)
	ctrl.OnTransition(func(tr Transition, _ types.ServerInfo) { transitions <- tr })

	require.NoError(t, ctrl.Start(ctx, pos(85, 50)))
	assert.ErrorIs(t, ctrl.Start(ctx, pos(85, 50)), ErrAlreadyStarted)
	assert.Equal(t, "s0", ctrl.Authoritative().ServerID)
	assert.Equal(t, types.ZoneID(0), ctrl.Zone())

	require.Eventually(t, func() bool {
		c := mgr.Get("s1")
		return c != nil && c.State() == types.StateConnected
	}, 2*time.Second, 10*time.Millisecond, "区域 1 的暖连接应提前建立")
	assert.Equal(t, []types.ZoneID{1}, ctrl.WarmZones())

	old := mgr.Get("s0")
	warm := mgr.Get("s1")

	// 切换期间持续发请求，一个都不能丢
	stop := make(chan struct{})
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
		sent   atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				sent.Add(1)
				_, err := mgr.Call(ctx, connection.Request{
					TargetZone:  types.NoZone,
					InterfaceID: "echo",
					Args:        []byte("x"),
					Timeout:     2 * time.Second,
					Idempotent:  true,
				}, connmgr.QueueDuringReconnect)
				if err != nil {
					failed.Add(1)
					t.Logf("request failed: %v", err)
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	ctrl.UpdatePosition(pos(140, 50))

	select {
	case tr := <-transitions:
		assert.Equal(t, types.ZoneID(0), tr.From)
		assert.Equal(t, types.ZoneID(1), tr.To)
	case <-time.After(2 * time.Second):
		t.Fatal("transition not committed")
	}

	assert.Equal(t, "s1", ctrl.Authoritative().ServerID)
	assert.Equal(t, "s1", mgr.Primary())
	assert.Same(t, warm, mgr.Get("s1"), "暖连接直接成为权威连接")

	require.Eventually(t, func() bool {
		st := old.State()
		return st == types.StateDraining || st.Terminal()
	}, 2*time.Second, 10*time.Millisecond, "原权威连接进入排空")

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Positive(t, sent.Load())
	assert.Zero(t, failed.Load())
	assert.Empty(t, ctrl.WarmZones(), "新位置离区域 0 超过 D2")

	t.Log("✅ 切换到暖连接，原连接排空，请求无丢失")
}

// TestController_DeadNeighbourDoesNotDelayTransition 相邻区域服务器无响应时切换不被拖慢
func TestController_DeadNeighbourDoesNotDelayTransition(t *testing.T) {
	h := newHarness(t)
	h.addServer("s0", 0)
	h.addServer("s1", 1)
	s2 := h.addServer("s2", 2)
	h.net.Partition(s2.info.Endpoint.String())

	mcfg := managerConfig()
	mcfg.Connection.HandshakeTimeout = 3 * time.Second
	cfg := controllerConfig()
	mgr, ctrl := h.controller(cfg, mcfg)

	transitions := make(chan Transition, 4)
	ctrl.OnTransition(func(tr Transition, _ types.ServerInfo) { transitions <- tr })

	require.NoError(t, ctrl.Start(context.Background(), pos(90, 90)))
	require.Eventually(t, func() bool {
		c := mgr.Get("s1")
		return c != nil && c.State() == types.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, ctrl.warm.Dialing(), types.ZoneID(2), "区域 2 的握手仍挂起")

	start := time.Now()
	ctrl.UpdatePosition(pos(140, 90))

	select {
	case tr := <-transitions:
		assert.Equal(t, types.ZoneID(1), tr.To)
		elapsed := time.Since(start)
		assert.Less(t, elapsed, time.Second, "切换不应等待挂起的暖连接握手")
		t.Logf("transition committed after %s", elapsed)
	case <-time.After(2 * time.Second):
		t.Fatal("transition not committed while a neighbour handshake was pending")
	}
	assert.Equal(t, "s1", mgr.Primary())

	t.Log("✅ 暖连接握手挂起不阻塞区域切换")
}

// TestController_DeadNeighbourBacksOff 建立失败的暖区域按退避重试
func TestController_DeadNeighbourBacksOff(t *testing.T) {
	h := newHarness(t)
	h.addServer("s0", 0)
	s2 := h.addServer("s2", 2)
	h.net.Partition(s2.info.Endpoint.String())

	mcfg := managerConfig()
	mcfg.Connection.HandshakeTimeout = 50 * time.Millisecond
	cfg := controllerConfig()
	cfg.Reconnect.InitialBackoff = 200 * time.Millisecond
	cfg.Reconnect.MaxBackoff = time.Second
	_, ctrl := h.controller(cfg, mcfg)

	require.NoError(t, ctrl.Start(context.Background(), pos(50, 90)))
	require.Eventually(t, func() bool { return ctrl.warm.Failures(2) >= 1 }, 2*time.Second, 10*time.Millisecond)

	// 无退避时每个 20ms 检查周期都会重试
	time.Sleep(500 * time.Millisecond)
	assert.LessOrEqual(t, ctrl.warm.Failures(2), 3)
	assert.Empty(t, ctrl.WarmZones())
}

// TestController_WarmServerTimeoutsThenReconnect 暖连接服务器停止响应：
// 请求逐个超时，连接失效后按递增退避重连，放弃后才移出路由
func TestController_WarmServerTimeoutsThenReconnect(t *testing.T) {
	h := newHarness(t)
	h.addServer("s0", 0)
	s2 := h.addServer("s2", 2)

	mcfg := managerConfig()
	mcfg.Connection.HandshakeTimeout = 150 * time.Millisecond
	mcfg.FallbackToPrimary = false
	cfg := controllerConfig()
	cfg.Reconnect.MaxAttempts = 6
	mgr, ctrl := h.controller(cfg, mcfg)

	hard := make(chan types.ServerInfo, 1)
	ctrl.OnHardFailure(func(info types.ServerInfo, _ error) { hard <- info })

	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx, pos(50, 90)))
	require.Eventually(t, func() bool {
		c := mgr.Get("s2")
		return c != nil && c.State() == types.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []types.ZoneID{2}, ctrl.WarmZones())

	h.net.Partition(s2.info.Endpoint.String())

	for range 5 {
		_, err := mgr.Call(ctx, connection.Request{
			TargetZone:  2,
			InterfaceID: "echo",
			Timeout:     100 * time.Millisecond,
		}, connmgr.QueueDuringReconnect)
		assert.ErrorIs(t, err, types.ErrRequestTimedOut)
	}

	require.Eventually(t, func() bool { return ctrl.Supervisor().Active("s2") }, 4*time.Second, 10*time.Millisecond,
		"暖连接失效后应进入重连")
	assert.True(t, mgr.IsReconnecting("s2"))
	id, ok := mgr.ServerForZone(2)
	assert.True(t, ok)
	assert.Equal(t, "s2", id)

	_, err := mgr.Call(ctx, connection.Request{TargetZone: 2, InterfaceID: "echo"}, connmgr.FailFast)
	assert.ErrorIs(t, err, types.ErrReconnecting)
	assert.Equal(t, types.Retryable, types.DispositionOf(err))

	// 权威连接不受影响
	_, err = mgr.Call(ctx, connection.Request{TargetZone: types.NoZone, InterfaceID: "echo"}, connmgr.FailFast)
	assert.NoError(t, err)
	assert.Equal(t, "s0", mgr.Primary())

	require.Eventually(t, func() bool {
		st := ctrl.Supervisor().Stats("s2")
		return !st.Active && st.Attempts == cfg.Reconnect.MaxAttempts
	}, 5*time.Second, 10*time.Millisecond)

	st := ctrl.Supervisor().Stats("s2")
	require.Len(t, st.Delays, cfg.Reconnect.MaxAttempts)
	for i := 1; i < len(st.Delays); i++ {
		if st.Delays[i-1] < cfg.Reconnect.MaxBackoff {
			assert.Greater(t, st.Delays[i], st.Delays[i-1], "delay %d", i)
		} else {
			assert.Equal(t, cfg.Reconnect.MaxBackoff, st.Delays[i], "delay %d", i)
		}
		assert.LessOrEqual(t, st.Delays[i], cfg.Reconnect.MaxBackoff)
	}
	assert.Equal(t, cfg.Reconnect.MaxBackoff, st.Delays[len(st.Delays)-1])
	assert.ErrorIs(t, st.LastError, ErrGaveUp)

	require.Eventually(t, func() bool {
		_, known := mgr.Server("s2")
		return !known
	}, 2*time.Second, 10*time.Millisecond, "放弃后移出路由表")
	assert.False(t, mgr.IsReconnecting("s2"))
	assert.Equal(t, "s0", mgr.Primary())

	select {
	case info := <-hard:
		t.Fatalf("warm server give-up must not be a hard failure: %s", info.ServerID)
	case <-time.After(100 * time.Millisecond):
	}

	t.Log("✅ 请求超时后按递增退避重连，放弃后移出路由")
}

func TestController_WarmServerRecovers(t *testing.T) {
	h := newHarness(t)
	h.addServer("s0", 0)
	s2 := h.addServer("s2", 2)

	mcfg := managerConfig()
	mcfg.Connection.IdleTimeout = 300 * time.Millisecond
	mcfg.Connection.HandshakeTimeout = 150 * time.Millisecond
	cfg := controllerConfig()
	cfg.Reconnect.MaxAttempts = 50
	cfg.Reconnect.MinSamples = 100
	mgr, ctrl := h.controller(cfg, mcfg)

	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx, pos(50, 90)))
	require.Eventually(t, func() bool {
		c := mgr.Get("s2")
		return c != nil && c.State() == types.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	first := mgr.Get("s2")

	h.net.Partition(s2.info.Endpoint.String())
	require.Eventually(t, func() bool { return ctrl.Supervisor().Stats("s2").Attempts >= 2 }, 4*time.Second, 10*time.Millisecond)
	h.net.Heal(s2.info.Endpoint.String())

	require.Eventually(t, func() bool {
		c := mgr.Get("s2")
		return c != nil && c != first && c.State() == types.StateConnected && !mgr.IsReconnecting("s2")
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "s0", mgr.Primary(), "恢复的暖连接不抢占主连接")
	assert.Equal(t, "s0", ctrl.Authoritative().ServerID)
	assert.Equal(t, []types.ZoneID{2}, ctrl.WarmZones())

	data, err := mgr.Call(ctx, connection.Request{TargetZone: 2, InterfaceID: "echo", Args: []byte("back")}, connmgr.FailFast)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), data)

	t.Log("✅ 暖连接失效后重连恢复")
}

func TestController_StallForcesReconnect(t *testing.T) {
	h := newHarness(t)
	s0 := h.addServer("s0", 0)
	s0.pushing.Store(true)

	cfg := controllerConfig()
	cfg.Watchdog.Enabled = true
	mgr, ctrl := h.controller(cfg, managerConfig())

	require.NoError(t, ctrl.Start(context.Background(), pos(50, 50)))
	require.Eventually(t, func() bool { return ctrl.watchdog.Armed("s0") }, 2*time.Second, 10*time.Millisecond)

	stalled := mgr.Get("s0")
	require.NotNil(t, stalled)
	s0.pushing.Store(false)

	require.Eventually(t, func() bool {
		c := mgr.Get("s0")
		return c != nil && c != stalled && c.State() == types.StateConnected
	}, 3*time.Second, 10*time.Millisecond, "卡死的连接应被替换")

	assert.Equal(t, types.StateFailed, stalled.State())
	assert.ErrorIs(t, stalled.Err(), types.ErrStalled)
	assert.Equal(t, "s0", mgr.Primary())
	assert.False(t, mgr.IsReconnecting("s0"))

	t.Log("✅ 状态推送停止后强制重连")
}

func TestController_ReconnectsAfterServerDrop(t *testing.T) {
	h := newHarness(t)
	s0 := h.addServer("s0", 0)
	mgr, ctrl := h.controller(controllerConfig(), managerConfig())

	require.NoError(t, ctrl.Start(context.Background(), pos(50, 50)))
	first := mgr.Get("s0")
	require.NotNil(t, first)

	s0.closeAll()

	require.Eventually(t, func() bool {
		c := mgr.Get("s0")
		return c != nil && c != first && c.State() == types.StateConnected
	}, 3*time.Second, 10*time.Millisecond)

	st := ctrl.Supervisor().Stats("s0")
	assert.GreaterOrEqual(t, st.Successes, 1)
	assert.Equal(t, 1, st.Attempts)

	_, err := mgr.Call(context.Background(), connection.Request{TargetZone: types.NoZone, InterfaceID: "echo", Args: []byte("again")}, connmgr.FailFast)
	assert.NoError(t, err)
}

func TestController_HardFailureAfterGivingUp(t *testing.T) {
	h := newHarness(t)
	s0 := h.addServer("s0", 0)

	mcfg := managerConfig()
	mcfg.Connection.IdleTimeout = 300 * time.Millisecond
	mcfg.Connection.HandshakeTimeout = 200 * time.Millisecond
	cfg := controllerConfig()
	cfg.Reconnect.MaxAttempts = 2
	mgr, ctrl := h.controller(cfg, mcfg)

	failures := make(chan error, 1)
	ctrl.OnHardFailure(func(info types.ServerInfo, err error) {
		assert.Equal(t, "s0", info.ServerID)
		failures <- err
	})

	require.NoError(t, ctrl.Start(context.Background(), pos(50, 50)))
	h.net.Partition(s0.info.Endpoint.String())

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(5 * time.Second):
		t.Fatal("hard failure not reported")
	}
	assert.False(t, mgr.IsReconnecting("s0"))
	assert.Equal(t, 2, ctrl.Supervisor().Stats("s0").Attempts)

	_, err := mgr.Call(context.Background(), connection.Request{TargetZone: types.NoZone, InterfaceID: "echo"}, connmgr.QueueDuringReconnect)
	var re *types.RequestError
	require.ErrorAs(t, err, &re)
}

func TestController_HandshakeRejectedNoRetry(t *testing.T) {
	h := newHarness(t)
	s0 := h.addServer("s0", 0)
	s0.reject.Store(true)
	_, ctrl := h.controller(controllerConfig(), managerConfig())

	err := ctrl.Start(context.Background(), pos(50, 50))
	require.ErrorIs(t, err, types.ErrHandshakeRejected)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), s0.handshakes.Load(), "同一令牌不重试")
	assert.Zero(t, ctrl.Supervisor().Stats("s0").Attempts)
	assert.NoError(t, ctrl.Stop(context.Background()))

	t.Log("✅ 令牌被拒绝时不重试")
}

func TestController_NoServerForPosition(t *testing.T) {
	h := newHarness(t)
	_, ctrl := h.controller(controllerConfig(), managerConfig())

	err := ctrl.Start(context.Background(), pos(50, 50))
	assert.ErrorIs(t, err, ErrNoServer)

	h.addServer("s0", 0)
	assert.NoError(t, ctrl.Start(context.Background(), pos(50, 50)), "失败的启动可以重试")
}
