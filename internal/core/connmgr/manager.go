package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"go.uber.org/multierr"

	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/connmgr")

// errNotCurrent 连接已不是该服务器的当前连接
var errNotCurrent = errors.New("connmgr: connection not current")

// LostHandler 当前连接终止时调用，异步执行
type LostHandler func(info types.ServerInfo, err error)

// PushHandler 收到服务器状态推送时调用
//
// 在连接处理协程上同步执行，不得阻塞。
type PushHandler func(serverID string, push *wire.Push)

// Option 管理器选项
type Option func(*Manager)

// WithDirectory 设置区域目录，路由表中没有绑定的区域向目录查询
func WithDirectory(d interfaces.ZoneDirectory) Option {
	return func(m *Manager) { m.directory = d }
}

// WithMetrics 设置指标上报器
func WithMetrics(r metrics.Reporter) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager 客户端连接管理器
type Manager struct {
	cfg       Config
	transport interfaces.Transport
	directory interfaces.ZoneDirectory
	metrics   metrics.Reporter
	clock     clock.Clock
	merger    *manifest.Merger

	routes atomic.Pointer[routeTable]

	// mu 串行化路由表写者
	mu     sync.Mutex
	closed bool

	dials   singleflight.Group
	waiters atomic.Int32

	cbMu sync.RWMutex
	lost []LostHandler
	push []PushHandler
}

// New 创建连接管理器
func New(cfg Config, tr interfaces.Transport, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	policy, _ := manifest.PolicyByName(cfg.ConflictPolicy)

	m := &Manager{
		cfg:       cfg,
		transport: tr,
		merger:    manifest.NewMerger(policy),
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = metrics.OrNop(m.metrics)
	m.routes.Store(newRouteTable())
	m.merger.OnConflict(func(string, manifest.Candidate, []manifest.Candidate) {
		m.metrics.ManifestConflict()
	})
	return m, nil
}

// ============================================================================
//                              建立连接
// ============================================================================

// Dial 建立到服务器的连接，不加入路由表
//
// 用于重连与预建立：调用方随后通过 Add 或 Replace 安装连接。
func (m *Manager) Dial(ctx context.Context, info types.ServerInfo) (*connection.Connection, error) {
	if info.ServerID == "" {
		return nil, fmt.Errorf("%w: server %s has no id", ErrInvalidConfig, info.Endpoint)
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	serverID := info.ServerID

	cb := connection.Callbacks{
		OnStateChange: func(_ *connection.Connection, from, to types.ConnState, _ error) {
			m.metrics.ConnectionState(from, to)
		},
		OnManifest: func(c *connection.Connection, man *manifest.Manifest) {
			m.updateManifest(serverID, c, man)
		},
		OnPush: func(c *connection.Connection, p *wire.Push) {
			if m.isCurrent(serverID, c) {
				m.notifyPush(serverID, p)
			}
		},
		OnGoodbye: func(c *connection.Connection, reason string) {
			logger.Info("服务器进入排空", "server", serverID, "conn", log.TruncateID(c.ID(), 8), "reason", reason)
		},
	}

	logger.Debug("连接服务器", "server", serverID, "endpoint", info.Endpoint.String())
	return connection.Dial(ctx, connection.DialParams{
		Transport: m.transport,
		Remote:    info.Endpoint,
		Token:     m.cfg.Token,
		ClientID:  m.cfg.ClientID,
		Config:    m.cfg.Connection,
		Clock:     m.clock,
		Callbacks: cb,
	})
}

// Connect 返回到服务器的已连接连接，必要时建立并加入路由表
//
// 同一服务器的并发调用只会建立一个连接。
func (m *Manager) Connect(ctx context.Context, info types.ServerInfo) (*connection.Connection, error) {
	v, err, _ := m.dials.Do(info.ServerID, func() (any, error) {
		if c := m.Get(info.ServerID); c != nil && c.State() == types.StateConnected {
			return c, nil
		}
		c, err := m.Dial(ctx, info)
		if err != nil {
			return nil, err
		}
		if err := m.Add(info, c); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*connection.Connection), nil
}

// ============================================================================
//                              路由表维护
// ============================================================================

// update 复制路由表、修改并发布
func (m *Manager) update(fn func(t *routeTable) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	old := m.routes.Load()
	next := old.clone()
	if err := fn(next); err != nil {
		return err
	}
	m.routes.Store(next)
	close(old.changed)
	return nil
}

// Add 加入连接
//
// 服务器已有 Connected 连接时返回 types.ErrDuplicateConnection。
// 第一个加入的连接成为主连接。
func (m *Manager) Add(info types.ServerInfo, c *connection.Connection) error {
	if info.ServerID == "" {
		return fmt.Errorf("%w: server %s has no id", ErrInvalidConfig, info.Endpoint)
	}
	err := m.update(func(t *routeTable) error {
		if old, ok := t.conns[info.ServerID]; ok && old != c && old.State() == types.StateConnected {
			return fmt.Errorf("%w: server %s", types.ErrDuplicateConnection, info.ServerID)
		}
		m.install(t, info, c)
		return nil
	})
	if err != nil {
		return err
	}
	go m.watch(info.ServerID, c)
	logger.Info("加入连接", "server", info.ServerID, "zone", info.ZoneID, "conn", log.TruncateID(c.ID(), 8))
	return nil
}

// Replace 用新连接替换服务器的当前连接（重连），返回被替换的连接
//
// 被替换的连接不会被关闭，由调用方排空或关闭。服务器已被 Remove
// 时返回 ErrUnknownServer，不会重新加入路由表。
func (m *Manager) Replace(info types.ServerInfo, c *connection.Connection) (*connection.Connection, error) {
	if info.ServerID == "" {
		return nil, fmt.Errorf("%w: server %s has no id", ErrInvalidConfig, info.Endpoint)
	}
	var old *connection.Connection
	err := m.update(func(t *routeTable) error {
		if _, ok := t.servers[info.ServerID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownServer, info.ServerID)
		}
		old = t.conns[info.ServerID]
		m.install(t, info, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if old == c {
		old = nil
	} else {
		go m.watch(info.ServerID, c)
	}
	logger.Info("替换连接", "server", info.ServerID, "zone", info.ZoneID, "conn", log.TruncateID(c.ID(), 8))
	return old, nil
}

// install 写入连接与区域绑定，调用方持有 mu
func (m *Manager) install(t *routeTable, info types.ServerInfo, c *connection.Connection) {
	id := info.ServerID
	if z := c.AssignedZone(); z.Valid() {
		info.ZoneID = z
	}
	t.conns[id] = c
	t.servers[id] = info
	delete(t.reconnecting, id)
	if info.ZoneID.Valid() {
		t.zones[info.ZoneID] = id
	}
	m.merger.Update(id, c.Manifest())
	if t.primary == "" || t.primary == id {
		t.primary = id
		m.merger.SetPrimary(id)
	}
}

// Remove 移除服务器及其区域绑定，返回其连接（不关闭）
func (m *Manager) Remove(serverID string) *connection.Connection {
	var old *connection.Connection
	err := m.update(func(t *routeTable) error {
		old = t.conns[serverID]
		if _, known := t.servers[serverID]; !known && old == nil {
			return errNotCurrent
		}
		delete(t.conns, serverID)
		delete(t.servers, serverID)
		delete(t.reconnecting, serverID)
		t.unbindServer(serverID)
		if t.primary == serverID {
			t.primary = ""
		}
		m.merger.Remove(serverID)
		return nil
	})
	if err != nil {
		return nil
	}
	logger.Debug("移除服务器", "server", serverID)
	return old
}

// BindZone 把区域绑定到已知服务器
func (m *Manager) BindZone(zone types.ZoneID, serverID string) error {
	if !zone.Valid() {
		return fmt.Errorf("%w: %s", types.ErrNoRouteForZone, zone)
	}
	return m.update(func(t *routeTable) error {
		if _, ok := t.servers[serverID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
		}
		t.zones[zone] = serverID
		return nil
	})
}

// UnbindZone 解除区域绑定
func (m *Manager) UnbindZone(zone types.ZoneID) {
	m.update(func(t *routeTable) error {
		if _, ok := t.zones[zone]; !ok {
			return errNotCurrent
		}
		delete(t.zones, zone)
		return nil
	})
}

// SetPrimary 设置主连接，未指定区域的请求发往主连接
func (m *Manager) SetPrimary(serverID string) error {
	err := m.update(func(t *routeTable) error {
		if _, ok := t.servers[serverID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownServer, serverID)
		}
		t.primary = serverID
		m.merger.SetPrimary(serverID)
		return nil
	})
	if err == nil {
		logger.Info("切换主连接", "server", serverID)
	}
	return err
}

// MarkReconnecting 标记服务器正在重连
//
// 期间发往该服务器的请求按调用方的容忍策略排队或快速失败。
func (m *Manager) MarkReconnecting(serverID string) {
	m.update(func(t *routeTable) error {
		if t.isReconnecting(serverID) {
			return errNotCurrent
		}
		t.reconnecting[serverID] = struct{}{}
		return nil
	})
}

// ClearReconnecting 清除重连标记（重连放弃时调用）
func (m *Manager) ClearReconnecting(serverID string) {
	m.update(func(t *routeTable) error {
		if !t.isReconnecting(serverID) {
			return errNotCurrent
		}
		delete(t.reconnecting, serverID)
		return nil
	})
}

// ============================================================================
//                              查询
// ============================================================================

// Get 返回服务器的当前连接
func (m *Manager) Get(serverID string) *connection.Connection {
	return m.routes.Load().conns[serverID]
}

// Server 返回服务器信息
func (m *Manager) Server(serverID string) (types.ServerInfo, bool) {
	info, ok := m.routes.Load().servers[serverID]
	return info, ok
}

// Servers 返回路由表中所有服务器，按 ID 排序
func (m *Manager) Servers() []types.ServerInfo {
	t := m.routes.Load()
	out := make([]types.ServerInfo, 0, len(t.servers))
	for _, info := range t.servers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Primary 返回主连接的服务器 ID
func (m *Manager) Primary() string {
	return m.routes.Load().primary
}

// ServerForZone 返回区域绑定的服务器
func (m *Manager) ServerForZone(zone types.ZoneID) (string, bool) {
	return m.routes.Load().serverFor(zone)
}

// IsReconnecting 服务器是否处于重连中
func (m *Manager) IsReconnecting(serverID string) bool {
	return m.routes.Load().isReconnecting(serverID)
}

// Connections 返回服务器 ID 到当前连接的快照
func (m *Manager) Connections() map[string]*connection.Connection {
	t := m.routes.Load()
	out := make(map[string]*connection.Connection, len(t.conns))
	for id, c := range t.conns {
		out[id] = c
	}
	return out
}

// Merged 返回合并 manifest 视图快照
func (m *Manager) Merged() *manifest.View {
	return m.merger.View()
}

// updateManifest 连接仍是当前连接时更新合并视图
//
// 与路由表写者共用 mu，已被移除或替换的连接不会把旧来源写回视图。
func (m *Manager) updateManifest(serverID string, c *connection.Connection, man *manifest.Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.routes.Load().conns[serverID] != c {
		return
	}
	m.merger.Update(serverID, man)
}

func (m *Manager) isCurrent(serverID string, c *connection.Connection) bool {
	return m.routes.Load().conns[serverID] == c
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ============================================================================
//                              事件
// ============================================================================

// OnConnectionLost 注册连接丢失回调
func (m *Manager) OnConnectionLost(fn LostHandler) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.lost = append(m.lost, fn)
}

// OnPush 注册状态推送回调
func (m *Manager) OnPush(fn PushHandler) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.push = append(m.push, fn)
}

func (m *Manager) notifyPush(serverID string, p *wire.Push) {
	m.cbMu.RLock()
	handlers := m.push
	m.cbMu.RUnlock()
	for _, fn := range handlers {
		fn(serverID, p)
	}
}

// watch 等待连接终止；仍是当前连接时移出路由表并通知
//
// 可恢复的错误且存在回调时标记为重连中，区域绑定保留。
func (m *Manager) watch(serverID string, c *connection.Connection) {
	<-c.Done()
	cause := c.Err()

	m.cbMu.RLock()
	handlers := m.lost
	m.cbMu.RUnlock()
	reconnect := len(handlers) > 0 && types.IsRecoverable(cause)

	var info types.ServerInfo
	err := m.update(func(t *routeTable) error {
		if t.conns[serverID] != c {
			return errNotCurrent
		}
		info = t.servers[serverID]
		delete(t.conns, serverID)
		if reconnect {
			t.reconnecting[serverID] = struct{}{}
		}
		m.merger.Remove(serverID)
		return nil
	})
	if err != nil {
		return
	}

	logger.Warn("连接丢失", "server", serverID, "conn", log.TruncateID(c.ID(), 8), "state", c.State(), "error", cause)
	for _, fn := range handlers {
		go func(fn LostHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("连接丢失回调 panic", "server", serverID, "panic", r)
				}
			}()
			fn(info, cause)
		}(fn)
	}
}

// ============================================================================
//                              关闭
// ============================================================================

// Shutdown 排空所有连接，宽限期结束后强制关闭
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	old := m.routes.Load()
	m.routes.Store(newRouteTable())
	close(old.changed)
	m.mu.Unlock()

	if m.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownGrace)
		defer cancel()
	}

	logger.Info("关闭连接管理器", "connections", len(old.conns))

	var g errgroup.Group
	for id, c := range old.conns {
		g.Go(func() error {
			if err := c.Drain(ctx, "client shutdown"); err != nil {
				return fmt.Errorf("drain %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	for id, c := range old.conns {
		err = multierr.Append(err, c.Close())
		m.merger.Remove(id)
	}
	return err
}
