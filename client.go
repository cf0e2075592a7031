package zonerpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/introspect"
	"github.com/dep2p/go-zonerpc/internal/core/resilience"
	"github.com/dep2p/go-zonerpc/internal/core/zonedir"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("zonerpc")

var _ introspect.Source = (*Client)(nil)

// Client 区域客户端
//
// 持有到权威服务器与邻近区域的连接，随位置移动自动切换权威连接，
// 连接失效时在后台重连。请求按目标区域路由。
type Client struct {
	cfg       *config.Config
	clientID  string
	tolerance connmgr.Tolerance
	app       *fx.App

	mgr       *connmgr.Manager
	ctrl      *resilience.Controller
	grid      *zonedir.Grid
	transport interfaces.Transport

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewClient 创建客户端，尚未连接
func NewClient(opts ...Option) (*Client, error) {
	o := newOptions()
	if err := o.apply(opts); err != nil {
		return nil, err
	}
	cfg, err := o.toConfig()
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, clientID: o.clientID, tolerance: o.tolerance}
	c.app = buildClientApp(o, cfg, &c.mgr, &c.ctrl, &c.grid, &c.transport)
	if err := c.app.Err(); err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}
	return c, nil
}

// Start 启动传输并连接到 pos 所在区域的服务器
func (c *Client) Start(ctx context.Context, pos types.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.app.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	if err := c.ctrl.Start(ctx, pos); err != nil {
		if stopErr := c.app.Stop(context.Background()); stopErr != nil {
			logger.Debug("回滚启动失败", "error", stopErr)
		}
		c.closed = true
		return err
	}
	c.started = true
	logger.Info("客户端已启动", "zone", c.ctrl.Zone(), "server", c.ctrl.Authoritative().ServerID)
	return nil
}

// Stop 停止韧性控制，排空所有连接并关闭传输
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.started {
		return nil
	}
	return c.app.Stop(ctx)
}

// Close 以配置的宽限期停止
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Router.ShutdownGrace.Duration()+c.cfg.Connection.DrainTimeout.Duration())
	defer cancel()
	return c.Stop(ctx)
}

func (c *Client) running() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// ============================================================================
//                              请求
// ============================================================================

// Call 发送请求并等待结果
//
// TargetZone 为 types.NoZone 时发往权威服务器。
func (c *Client) Call(ctx context.Context, req Request) ([]byte, error) {
	if err := c.running(); err != nil {
		return nil, err
	}
	return c.mgr.Call(ctx, req, c.tolerance)
}

// Send 发送单向请求
func (c *Client) Send(ctx context.Context, req Request, class types.DeliveryClass) error {
	if err := c.running(); err != nil {
		return err
	}
	return c.mgr.Send(ctx, req, class)
}

// UpdatePosition 上报本地位置，驱动预连接与区域切换
func (c *Client) UpdatePosition(pos types.Position) {
	c.ctrl.UpdatePosition(pos)
}

// ============================================================================
//                              状态查询
// ============================================================================

// Zone 返回当前权威区域
func (c *Client) Zone() types.ZoneID {
	return c.ctrl.Zone()
}

// Authoritative 返回当前权威服务器
func (c *Client) Authoritative() types.ServerInfo {
	return c.ctrl.Authoritative()
}

// WarmZones 返回已预连接的邻近区域
func (c *Client) WarmZones() []types.ZoneID {
	return c.ctrl.WarmZones()
}

// Merged 返回合并后的 manifest 快照
func (c *Client) Merged() *MergedView {
	return c.mgr.Merged()
}

// Connections 返回当前连接，按服务器 ID 索引
func (c *Client) Connections() map[string]*connection.Connection {
	return c.mgr.Connections()
}

// ReconnectStats 返回服务器的重连统计
func (c *Client) ReconnectStats(serverID string) resilience.ReconnectStats {
	return c.ctrl.Supervisor().Stats(serverID)
}

// Directory 返回客户端使用的区域目录
func (c *Client) Directory() *zonedir.Grid {
	return c.grid
}

// LocalEndpoint 返回本地传输端点
func (c *Client) LocalEndpoint() types.Endpoint {
	return c.transport.LocalEndpoint()
}

// Snapshot 返回诊断快照，实现 introspect.Source
func (c *Client) Snapshot() Snapshot {
	conns := c.mgr.Connections()
	list := make([]*connection.Connection, 0, len(conns))
	for _, conn := range conns {
		list = append(list, conn)
	}
	return Snapshot{
		Role:        "client",
		ID:          c.clientID,
		Zone:        c.ctrl.Zone(),
		Local:       c.transport.LocalEndpoint().String(),
		Connections: introspect.Describe(list),
		WarmZones:   c.ctrl.WarmZones(),
		Interfaces:  c.mgr.Merged().Interfaces(),
		TakenAt:     time.Now(),
	}
}

// Config 返回生效的配置
func (c *Client) Config() *config.Config {
	return c.cfg
}

// ============================================================================
//                              事件
// ============================================================================

// OnPush 注册状态推送回调
func (c *Client) OnPush(fn PushHandler) {
	c.mgr.OnPush(fn)
}

// OnTransition 注册区域切换回调
func (c *Client) OnTransition(fn TransitionHandler) {
	c.ctrl.OnTransition(fn)
}

// OnHardFailure 注册重连放弃回调
func (c *Client) OnHardFailure(fn HardFailureHandler) {
	c.ctrl.OnHardFailure(fn)
}
