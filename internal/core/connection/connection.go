package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/connection")

// Role 连接角色
type Role int

const (
	// RoleInitiator 发起方（客户端）
	RoleInitiator Role = iota

	// RoleAcceptor 接受方（服务器）
	RoleAcceptor
)

// String 返回角色名称
func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// Callbacks 连接事件回调，字段均可为 nil
type Callbacks struct {
	// OnStateChange 状态变化，异步执行
	OnStateChange func(c *Connection, from, to types.ConnState, err error)

	// OnRequest 收到请求（接受方），Args 已解压
	OnRequest func(c *Connection, req *wire.Request)

	// OnPush 收到状态推送
	OnPush func(c *Connection, push *wire.Push)

	// OnManifest 对端重新协商了 manifest
	OnManifest func(c *Connection, m *manifest.Manifest)

	// OnGoodbye 对端进入排空
	OnGoodbye func(c *Connection, reason string)
}

// Stats 连接统计
type Stats struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	InFlight       int
	RTT            time.Duration
	LastActivity   time.Time
	LastPush       time.Time
}

type inbound struct {
	frame wire.Frame
	class types.DeliveryClass
}

type result struct {
	data []byte
	err  error
}

// 确保实现了接口
var _ interfaces.ConnHandler = (*Connection)(nil)

// Connection 一个对端连接
type Connection struct {
	id     string
	role   Role
	cfg    Config
	clock  clock.Clock
	remote types.Endpoint
	cb     Callbacks
	tc     interfaces.TransportConn

	state atomic.Int32

	mu           sync.Mutex
	man          *manifest.Manifest
	peerID       string
	assignedZone types.ZoneID
	pending      map[uuid.UUID]chan result
	drainWait    chan struct{}
	preQueue     []queued
	closeErr     error

	lastActivity atomic.Int64
	lastPush     atomic.Int64
	rtt          atomic.Int64
	framesSent   atomic.Uint64
	framesRecv   atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64

	inbox           chan inbound
	transportClosed chan error
	helloCh         chan *wire.Hello
	handshakeDone   chan struct{}
	handshakeOnce   sync.Once
	closing         chan struct{}
	closeOnce       sync.Once
	done            chan struct{}
}

type queued struct {
	data  []byte
	class types.DeliveryClass
}

func newConnection(role Role, cfg Config, clk clock.Clock, remote types.Endpoint, cb Callbacks) *Connection {
	if clk == nil {
		clk = clock.New()
	}
	c := &Connection{
		id:              uuid.NewString(),
		role:            role,
		cfg:             cfg,
		clock:           clk,
		remote:          remote,
		cb:              cb,
		man:             manifest.Empty(),
		assignedZone:    types.NoZone,
		pending:         make(map[uuid.UUID]chan result),
		inbox:           make(chan inbound, cfg.InboxSize),
		transportClosed: make(chan error, 1),
		helloCh:         make(chan *wire.Hello, 1),
		handshakeDone:   make(chan struct{}),
		closing:         make(chan struct{}),
		done:            make(chan struct{}),
	}
	c.state.Store(int32(types.StateConnecting))
	c.touch()
	return c
}

// ============================================================================
//                              访问器
// ============================================================================

// ID 返回连接 ID，重连会产生新的 ID
func (c *Connection) ID() string {
	return c.id
}

// Role 返回连接角色
func (c *Connection) Role() Role {
	return c.role
}

// RemoteEndpoint 返回远端端点
func (c *Connection) RemoteEndpoint() types.Endpoint {
	return c.remote
}

// State 返回当前状态
func (c *Connection) State() types.ConnState {
	return types.ConnState(c.state.Load())
}

// Manifest 返回对端当前的 manifest
func (c *Connection) Manifest() *manifest.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.man
}

// PeerID 返回对端标识：发起方侧为服务器 ID，接受方侧为客户端 ID
func (c *Connection) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// AssignedZone 返回握手时服务器告知的区域
func (c *Connection) AssignedZone() types.ZoneID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedZone
}

// Err 返回导致连接终止的错误
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done 连接终止并完成清理后关闭
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// LastActivity 返回最近一次收到数据的时间
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Stats 返回连接统计
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	inFlight := len(c.pending)
	c.mu.Unlock()

	s := Stats{
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesRecv.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesRecv.Load(),
		InFlight:       inFlight,
		RTT:            time.Duration(c.rtt.Load()),
		LastActivity:   c.LastActivity(),
	}
	if lp := c.lastPush.Load(); lp != 0 {
		s.LastPush = time.Unix(0, lp)
	}
	return s
}

func (c *Connection) touch() {
	c.lastActivity.Store(c.clock.Now().UnixNano())
}

// ============================================================================
//                              状态迁移
// ============================================================================

// transitionLocked 非终态迁移，调用方持有 mu
func (c *Connection) transitionLocked(to types.ConnState) (types.ConnState, bool) {
	from := c.State()
	if !from.CanTransition(to) {
		return from, false
	}
	c.state.Store(int32(to))
	return from, true
}

func (c *Connection) transition(to types.ConnState) bool {
	c.mu.Lock()
	from, ok := c.transitionLocked(to)
	c.mu.Unlock()
	if ok {
		c.notifyState(from, to, nil)
	}
	return ok
}

// terminate 进入终态并通知处理协程清理，可在任意协程调用
func (c *Connection) terminate(to types.ConnState, err error) bool {
	c.mu.Lock()
	from := c.State()
	if from.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.state.Store(int32(to))
	c.closeErr = err
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closing) })
	if to == types.StateFailed {
		logger.Debug("连接失效", "conn", log.TruncateID(c.id, 8), "from", from, "error", err)
	}
	c.notifyState(from, to, err)
	return true
}

func (c *Connection) notifyState(from, to types.ConnState, err error) {
	fn := c.cb.OnStateChange
	if fn == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("状态回调 panic", "conn", c.id, "panic", r)
			}
		}()
		fn(c, from, to, err)
	}()
}

// ============================================================================
//                              关闭与排空
// ============================================================================

// Close 立即关闭连接，取消所有在途请求
//
// 不得在 OnRequest 等同步回调中调用。
func (c *Connection) Close() error {
	c.terminate(types.StateClosed, types.ErrConnectionClosed)
	<-c.done
	return nil
}

// Abort 以指定原因使连接失效，取消所有在途请求
//
// 用于外部健康检查判定连接不可用，例如状态更新停止。
func (c *Connection) Abort(err error) {
	c.terminate(types.StateFailed, err)
	<-c.done
}

// Drain 进入排空：拒绝新请求，通知对端，等待在途请求完成并冲刷可靠数据后关闭
func (c *Connection) Drain(ctx context.Context, reason string) error {
	c.mu.Lock()
	from, ok := c.transitionLocked(types.StateDraining)
	if !ok && from != types.StateDraining {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	var wait chan struct{}
	if len(c.pending) > 0 {
		if c.drainWait == nil {
			c.drainWait = make(chan struct{})
		}
		wait = c.drainWait
	}
	c.mu.Unlock()
	if ok {
		c.notifyState(from, types.StateDraining, nil)
		logger.Debug("连接进入排空", "conn", log.TruncateID(c.id, 8), "reason", reason)
	}

	if err := c.sendRaw(&wire.Goodbye{Reason: reason}, types.ReliableOrdered); err != nil {
		logger.Debug("发送 goodbye 失败", "conn", log.TruncateID(c.id, 8), "error", err)
	}

	timer := c.clock.Timer(c.cfg.DrainTimeout)
	defer timer.Stop()

	if wait != nil {
		select {
		case <-wait:
		case <-timer.C:
			logger.Debug("排空超时，强制关闭", "conn", log.TruncateID(c.id, 8))
		case <-ctx.Done():
		case <-c.closing:
		}
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()
	if c.tc != nil {
		if err := c.tc.Flush(fctx); err != nil {
			logger.Debug("排空冲刷失败", "conn", log.TruncateID(c.id, 8), "error", err)
		}
	}

	c.terminate(types.StateClosed, fmt.Errorf("%w: drained", types.ErrConnectionClosed))
	<-c.done
	return ctx.Err()
}

// cleanup 处理协程退出前执行：取消在途请求并关闭传输连接
func (c *Connection) cleanup() {
	c.mu.Lock()
	cause := c.closeErr
	pending := c.pending
	c.pending = make(map[uuid.UUID]chan result)
	c.preQueue = nil
	if c.drainWait != nil {
		close(c.drainWait)
		c.drainWait = nil
	}
	c.mu.Unlock()

	perr := types.ErrConnectionClosed
	if cause != nil && !errors.Is(cause, types.ErrConnectionClosed) {
		perr = fmt.Errorf("%w: %w", types.ErrConnectionClosed, cause)
	}
	for _, ch := range pending {
		ch <- result{err: perr}
	}

	if c.tc != nil {
		if err := c.tc.Close(); err != nil {
			logger.Debug("关闭传输连接失败", "conn", log.TruncateID(c.id, 8), "error", err)
		}
	}
}
