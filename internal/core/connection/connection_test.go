package connection

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-zonerpc/config"
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

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.IdleTimeout = time.Second
	return cfg
}

func testManifest() *manifest.Manifest {
	return manifest.New(1,
		manifest.Entry{InterfaceID: "echo", ImplementationID: "echo.v1"},
		manifest.Entry{InterfaceID: "slow", ImplementationID: "slow.v1"},
	)
}

type harness struct {
	t   *testing.T
	net *memnet.Network
	srv *udp.Transport
	cl  *udp.Transport

	accepted  chan *Connection
	acceptErr chan error
}

func newHarness(t *testing.T, p AcceptParams) *harness {
	t.Helper()

	n := memnet.NewNetwork(11)
	tcfg := config.DefaultTransportConfig()
	tcfg.Name = config.TransportMem

	h := &harness{
		t:         t,
		net:       n,
		srv:       udp.New(tcfg, udp.WithNetwork(n)),
		cl:        udp.New(tcfg, udp.WithNetwork(n)),
		accepted:  make(chan *Connection, 4),
		acceptErr: make(chan error, 4),
	}
	require.NoError(t, h.srv.Start(types.NewEndpoint("127.0.0.1", 0)))
	require.NoError(t, h.cl.Start(types.NewEndpoint("127.0.0.1", 0)))
	t.Cleanup(func() {
		h.cl.Close()
		h.srv.Close()
	})

	if p.Config == (Config{}) {
		p.Config = testConfig()
	}
	h.srv.SetEstablishedHandler(func(tc interfaces.TransportConn) {
		c, err := Accept(context.Background(), tc, p)
		if err != nil {
			h.acceptErr <- err
			return
		}
		h.accepted <- c
	})
	return h
}

func (h *harness) dial(p DialParams) (*Connection, error) {
	p.Transport = h.cl
	p.Remote = h.srv.LocalEndpoint()
	if p.Config == (Config{}) {
		p.Config = testConfig()
	}
	return Dial(context.Background(), p)
}

func (h *harness) serverConn() *Connection {
	h.t.Helper()
	select {
	case c := <-h.accepted:
		h.t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		h.t.Fatal("server did not accept")
		return nil
	}
}

// echoHandler 回显 echo 请求，忽略 slow 请求，fail 请求返回错误
func echoHandler(c *Connection, req *wire.Request) {
	switch req.InterfaceID {
	case "echo":
		c.Respond(req.ID, req.Args, nil)
	case "fail":
		c.Respond(req.ID, nil, errors.New("boom"))
	}
}

type stateLog struct {
	mu   sync.Mutex
	seen []types.ConnState
	errs []error
}

func (l *stateLog) record(_ *Connection, _, to types.ConnState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, to)
	l.errs = append(l.errs, err)
}

func (l *stateLog) has(s types.ConnState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.seen {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
//                              握手
// ============================================================================

func TestDialAccept_Handshake(t *testing.T) {
	h := newHarness(t, AcceptParams{Manifest: testManifest(), ServerID: "srv-a", Zone: 3})

	c, err := h.dial(DialParams{ClientID: "player-1", Token: []byte("ok")})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, RoleInitiator, c.Role())
	assert.Equal(t, "srv-a", c.PeerID())
	assert.Equal(t, types.ZoneID(3), c.AssignedZone())
	e, ok := c.Manifest().Lookup("echo")
	require.True(t, ok)
	assert.Equal(t, "echo.v1", e.ImplementationID)

	s := h.serverConn()
	assert.Equal(t, types.StateConnected, s.State())
	assert.Equal(t, "player-1", s.PeerID())

	t.Log("✅ 握手完成后双方进入 Connected")
}

func TestDial_TokenRejected(t *testing.T) {
	validator := interfaces.TokenValidatorFunc(func(_ context.Context, token []byte, _ types.Endpoint) error {
		if !bytes.Equal(token, []byte("secret")) {
			return errors.New("bad token")
		}
		return nil
	})
	h := newHarness(t, AcceptParams{Validator: validator})

	states := &stateLog{}
	c, err := h.dial(DialParams{Token: []byte("wrong"), Callbacks: Callbacks{OnStateChange: states.record}})
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, types.ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "bad token")
	assert.False(t, types.IsRecoverable(err))

	select {
	case serr := <-h.acceptErr:
		assert.ErrorIs(t, serr, types.ErrHandshakeRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not report rejection")
	}
	assert.Eventually(t, func() bool { return states.has(types.StateFailed) }, time.Second, 10*time.Millisecond)

	t.Log("✅ 令牌被拒绝返回 HandshakeRejected")
}

func TestDial_VersionMismatch(t *testing.T) {
	h := newHarness(t, AcceptParams{})

	cfg := testConfig()
	cfg.ProtocolVersion = 99
	_, err := h.dial(DialParams{Config: cfg})
	assert.ErrorIs(t, err, types.ErrHandshakeRejected)
	assert.Contains(t, err.Error(), "protocol version")
}

func TestDial_TransportTimeout(t *testing.T) {
	h := newHarness(t, AcceptParams{})
	h.net.Partition(h.srv.LocalEndpoint().String())

	cfg := testConfig()
	cfg.HandshakeTimeout = 300 * time.Millisecond
	_, err := h.dial(DialParams{Config: cfg})
	assert.ErrorIs(t, err, types.ErrTransportTimeout)
	assert.True(t, types.IsRecoverable(err))
}

// ============================================================================
//                              请求
// ============================================================================

func TestCall_RoundTrip(t *testing.T) {
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	out, err := c.Call(context.Background(), Request{InterfaceID: "echo", MethodID: 1, Args: []byte("ping")})
	require.NoError(t, err)
	assert.Equal(t, "ping", string(out))

	_, err = c.Call(context.Background(), Request{InterfaceID: "fail"})
	var remote *types.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", string(remote.Payload))

	t.Log("✅ 请求响应往返正常")
}

func TestCall_CompressedPayload(t *testing.T) {
	cfg := testConfig()
	cfg.CompressThreshold = 64
	h := newHarness(t, AcceptParams{Config: cfg, Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{Config: cfg})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	args := bytes.Repeat([]byte("zone-state "), 2000)
	out, err := c.Call(context.Background(), Request{InterfaceID: "echo", Args: args})
	require.NoError(t, err)
	assert.Equal(t, args, out)
	assert.Less(t, c.Stats().BytesSent, uint64(len(args)))
}

func TestCall_TimeoutCancelsOnlyRequest(t *testing.T) {
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	start := time.Now()
	_, err = c.Call(context.Background(), Request{InterfaceID: "slow", Timeout: 150 * time.Millisecond})
	assert.ErrorIs(t, err, types.ErrRequestTimedOut)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, types.Terminal, types.DispositionOf(err))

	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, 0, c.Stats().InFlight)

	out, err := c.Call(context.Background(), Request{InterfaceID: "echo", Args: []byte("still-alive")})
	require.NoError(t, err)
	assert.Equal(t, "still-alive", string(out))

	t.Log("✅ 请求超时不影响连接")
}

func TestCall_ContextDeadline(t *testing.T) {
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, Request{InterfaceID: "slow", Timeout: time.Minute})
	assert.ErrorIs(t, err, types.ErrRequestTimedOut)
}

// TestCall_DeadlineUsesConnectionClock ctx 截止时间按连接时钟折算剩余时间
func TestCall_DeadlineUsesConnectionClock(t *testing.T) {
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	wall := time.Now()
	mock := clock.NewMock()
	mock.Set(wall.Add(10 * time.Minute))
	cfg := testConfig()
	cfg.HeartbeatInterval = 24 * time.Hour
	cfg.IdleTimeout = 48 * time.Hour

	c, err := h.dial(DialParams{Clock: mock, Config: cfg})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	// 按连接时钟还剩 50 分钟
	ctx, cancel := context.WithDeadline(context.Background(), wall.Add(time.Hour))
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, Request{InterfaceID: "slow", Timeout: 2 * time.Hour})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	for range 55 {
		mock.Add(time.Minute)
		select {
		case err := <-done:
			assert.ErrorIs(t, err, types.ErrRequestTimedOut)
			assert.Equal(t, types.StateConnected, c.State())
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrRequestTimedOut)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out on the connection clock")
	}
}

func TestClose_CancelsPending(t *testing.T) {
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	h.serverConn()

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), Request{InterfaceID: "slow", Timeout: time.Minute})
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().InFlight == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, types.ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("pending call not cancelled")
		}
	}
	assert.Equal(t, types.StateClosed, c.State())

	_, err = c.Call(context.Background(), Request{InterfaceID: "echo"})
	assert.ErrorIs(t, err, types.ErrConnectionClosed)

	t.Log("✅ 关闭连接取消所有在途请求")
}

func TestAbort_FailsWithCause(t *testing.T) {
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	h.serverConn()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), Request{InterfaceID: "slow", Timeout: time.Minute})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	c.Abort(types.ErrStalled)
	assert.Equal(t, types.StateFailed, c.State())
	assert.ErrorIs(t, c.Err(), types.ErrStalled)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, types.ErrConnectionClosed)
		assert.ErrorIs(t, err, types.ErrStalled)
	case <-time.After(time.Second):
		t.Fatal("pending call not cancelled")
	}
}

func TestCall_TooManyPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPendingRequests = 1
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: echoHandler}})

	c, err := h.dial(DialParams{Config: cfg})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	go c.Call(context.Background(), Request{InterfaceID: "slow", Timeout: time.Second})
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	_, err = c.Call(context.Background(), Request{InterfaceID: "echo"})
	assert.ErrorIs(t, err, ErrTooManyPending)
}

// ============================================================================
//                              排空
// ============================================================================

func TestDrain_WaitsForInflight(t *testing.T) {
	delayed := func(c *Connection, req *wire.Request) {
		go func() {
			time.Sleep(150 * time.Millisecond)
			c.Respond(req.ID, []byte("late"), nil)
		}()
	}
	serverStates := &stateLog{}
	h := newHarness(t, AcceptParams{Callbacks: Callbacks{OnRequest: delayed, OnStateChange: serverStates.record}})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	h.serverConn()

	res := make(chan error, 1)
	go func() {
		out, err := c.Call(context.Background(), Request{InterfaceID: "echo"})
		if err == nil && string(out) != "late" {
			err = errors.New("unexpected result")
		}
		res <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, 5*time.Millisecond)

	drained := make(chan error, 1)
	go func() { drained <- c.Drain(context.Background(), "zone handoff") }()

	require.Eventually(t, func() bool { return c.State() == types.StateDraining || c.State() == types.StateClosed },
		time.Second, 5*time.Millisecond)
	_, err = c.Call(context.Background(), Request{InterfaceID: "echo"})
	assert.True(t, errors.Is(err, types.ErrDraining) || errors.Is(err, types.ErrConnectionClosed))

	require.NoError(t, <-res)
	require.NoError(t, <-drained)
	assert.Equal(t, types.StateClosed, c.State())

	assert.Eventually(t, func() bool { return serverStates.has(types.StateDraining) }, 2*time.Second, 10*time.Millisecond)

	t.Log("✅ 排空等待在途请求完成后关闭")
}

// ============================================================================
//                              推送、manifest、心跳
// ============================================================================

func TestPushAndManifestUpdate(t *testing.T) {
	h := newHarness(t, AcceptParams{Manifest: testManifest()})

	pushes := make(chan *wire.Push, 4)
	manifests := make(chan *manifest.Manifest, 1)
	c, err := h.dial(DialParams{Callbacks: Callbacks{
		OnPush:     func(_ *Connection, p *wire.Push) { pushes <- p },
		OnManifest: func(_ *Connection, m *manifest.Manifest) { manifests <- m },
	}})
	require.NoError(t, err)
	defer c.Close()
	s := h.serverConn()

	require.NoError(t, s.Push("world", []byte("tick-1")))
	select {
	case p := <-pushes:
		assert.Equal(t, "world", p.Topic)
		assert.Equal(t, "tick-1", string(p.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("push not delivered")
	}
	assert.False(t, c.Stats().LastPush.IsZero())

	updated := manifest.New(2, manifest.Entry{InterfaceID: "echo", ImplementationID: "echo.v2"})
	require.NoError(t, s.UpdateManifest(updated))
	select {
	case m := <-manifests:
		assert.True(t, m.Equal(updated))
	case <-time.After(2 * time.Second):
		t.Fatal("manifest update not delivered")
	}
	assert.Equal(t, uint64(2), c.Manifest().Version())

	assert.ErrorIs(t, c.UpdateManifest(updated), ErrNotAcceptor)
}

func TestHeartbeat_MeasuresRTT(t *testing.T) {
	h := newHarness(t, AcceptParams{})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	assert.Eventually(t, func() bool { return c.Stats().RTT > 0 }, 2*time.Second, 20*time.Millisecond)
	st := c.Stats()
	assert.NotZero(t, st.FramesSent)
	assert.NotZero(t, st.FramesReceived)
}

func TestIdleTimeout_MarksFailed(t *testing.T) {
	h := newHarness(t, AcceptParams{})

	mock := clock.NewMock()
	states := &stateLog{}
	c, err := h.dial(DialParams{Clock: mock, Callbacks: Callbacks{OnStateChange: states.record}})
	require.NoError(t, err)
	defer c.Close()
	h.serverConn()

	h.net.Partition(h.srv.LocalEndpoint().String())

	require.Eventually(t, func() bool {
		mock.Add(200 * time.Millisecond)
		return c.State() == types.StateFailed
	}, 3*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Err(), ErrIdleTimeout)
	assert.ErrorIs(t, c.Err(), types.ErrTransportTimeout)
	assert.True(t, types.IsRecoverable(c.Err()))
	assert.Eventually(t, func() bool { return states.has(types.StateFailed) }, time.Second, 10*time.Millisecond)

	t.Log("✅ 空闲超时后连接进入 Failed 并通知")
}

func TestRemoteClose_Fails(t *testing.T) {
	h := newHarness(t, AcceptParams{})

	c, err := h.dial(DialParams{})
	require.NoError(t, err)
	defer c.Close()
	s := h.serverConn()

	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return c.State() == types.StateFailed }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, c.Err(), types.ErrConnectionClosed)
}

// ============================================================================
//                              握手前排队
// ============================================================================

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeConn) ID() string                        { return "fake" }
func (f *fakeConn) RemoteEndpoint() types.Endpoint    { return types.NewEndpoint("127.0.0.1", 1) }
func (f *fakeConn) SetHandler(interfaces.ConnHandler) {}
func (f *fakeConn) Flush(context.Context) error       { return nil }
func (f *fakeConn) Close() error                      { return nil }

func (f *fakeConn) Send(data []byte, _ types.DeliveryClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) kinds(t *testing.T) []wire.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Kind, 0, len(f.sent))
	for _, b := range f.sent {
		fr, err := wire.Decode(b)
		require.NoError(t, err)
		out = append(out, fr.Kind())
	}
	return out
}

func TestPreHandshakeQueue(t *testing.T) {
	cfg := testConfig()
	cfg.PreHandshakeQueue = 2
	c := newConnection(RoleInitiator, cfg.withDefaults(), nil, types.NewEndpoint("127.0.0.1", 1), Callbacks{})
	fc := &fakeConn{}
	c.tc = fc
	c.state.Store(int32(types.StateHandshakePending))

	require.NoError(t, c.Push("a", nil))
	require.NoError(t, c.Send(Request{InterfaceID: "echo"}, types.Unreliable))
	assert.ErrorIs(t, c.Push("c", nil), types.ErrNotConnected)
	assert.Empty(t, fc.kinds(t))

	c.onHelloReply(&wire.HelloReply{Accepted: true, Manifest: manifest.Empty(), ServerID: "s", AssignedZone: 1})
	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, []wire.Kind{wire.KindPush, wire.KindRequest}, fc.kinds(t))

	t.Log("✅ 握手前的发送按顺序排队并在握手后冲刷")
}
