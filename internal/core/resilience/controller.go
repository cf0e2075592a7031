package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/resilience")

// TransitionHandler 区域切换完成后回调
type TransitionHandler func(tr Transition, authoritative types.ServerInfo)

// HardFailureHandler 权威服务器重连放弃后回调
type HardFailureHandler func(info types.ServerInfo, err error)

// Option 控制器选项
type Option func(*Controller)

// WithClock 设置时钟
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithMetrics 设置指标上报器
func WithMetrics(r metrics.Reporter) Option {
	return func(c *Controller) { c.metrics = r }
}

// Controller 客户端韧性控制器
//
// 所有位置处理与区域切换在同一个协程上串行执行。
type Controller struct {
	cfg       Config
	mgr       *connmgr.Manager
	directory interfaces.ZoneDirectory
	geometry  interfaces.ZoneGeometry
	clock     clock.Clock
	metrics   metrics.Reporter

	detector *TransitionDetector
	warm     *WarmSet
	sup      *Supervisor
	watchdog *Watchdog

	warmTicker *PausableTicker
	dogTicker  *PausableTicker

	mu            sync.Mutex
	started       bool
	stopped       bool
	authoritative types.ServerInfo
	position      types.Position
	onTransition  []TransitionHandler
	onHardFailure []HardFailureHandler

	posCh  chan struct{}
	cancel context.CancelFunc
	loopWg sync.WaitGroup
	bgWg   sync.WaitGroup
}

// NewController 创建韧性控制器
func NewController(cfg Config, mgr *connmgr.Manager, directory interfaces.ZoneDirectory, geometry interfaces.ZoneGeometry, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mgr == nil || directory == nil || geometry == nil {
		return nil, fmt.Errorf("resilience: manager, directory and geometry are required")
	}

	c := &Controller{
		cfg:       cfg,
		mgr:       mgr,
		directory: directory,
		geometry:  geometry,
		clock:     clock.New(),
		posCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.OrNop(c.metrics)

	c.detector = NewTransitionDetector(cfg.Transition, geometry, c.clock, types.NoZone)
	c.warm = NewWarmSet(cfg.Warm, geometry, c, c.clock, cfg.Reconnect.Backoff)
	c.sup = NewSupervisor(cfg.Reconnect, c.clock, c.reconnect, c.metrics)
	c.watchdog = NewWatchdog(cfg.Watchdog, c.clock)

	c.sup.OnGiveUp(c.giveUp)
	mgr.OnConnectionLost(c.onLost)
	mgr.OnPush(func(serverID string, _ *wire.Push) {
		c.watchdog.Observe(serverID)
	})
	return c, nil
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 连接出生位置所在区域的服务器并启动控制循环
//
// 握手被拒绝时直接返回 types.ErrHandshakeRejected，不重试。
func (c *Controller) Start(ctx context.Context, pos types.Position) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.position = pos
	c.mu.Unlock()

	info, err := c.directory.ResolveServerForPosition(ctx, pos)
	if err != nil {
		return c.abortStart(err)
	}
	if info == nil {
		return c.abortStart(fmt.Errorf("%w: position %s", ErrNoServer, pos))
	}
	conn, err := c.mgr.Connect(ctx, *info)
	if err != nil {
		return c.abortStart(err)
	}
	if err := c.mgr.SetPrimary(info.ServerID); err != nil {
		return c.abortStart(err)
	}
	if z := conn.AssignedZone(); z.Valid() {
		info.ZoneID = z
	}
	c.detector.Reset(info.ZoneID)
	c.sup.NotifySuccess(info.ServerID)

	c.mu.Lock()
	c.authoritative = *info
	c.mu.Unlock()

	c.warmTicker = NewPausableTicker(c.clock, c.cfg.Warm.Interval)
	dogInterval := c.cfg.Watchdog.Interval
	if dogInterval <= 0 {
		dogInterval = c.cfg.Warm.Interval
	}
	c.dogTicker = NewPausableTicker(c.clock, dogInterval)

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.loopWg.Add(1)
	go c.loop(loopCtx)
	c.UpdatePosition(pos)

	logger.Info("韧性控制器已启动", "server", info.ServerID, "zone", info.ZoneID, "position", pos.String())
	return nil
}

func (c *Controller) abortStart(err error) error {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return err
}

// Stop 停止控制循环、定时器与重连会话
//
// 不关闭连接管理器，连接由其所有者关闭。
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel == nil || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.loopWg.Wait()
	c.warm.Wait()
	c.warmTicker.Stop()
	c.dogTicker.Stop()
	c.sup.Stop()

	done := make(chan struct{})
	go func() {
		c.bgWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePosition 输入最新位置，只保留最新值
func (c *Controller) UpdatePosition(pos types.Position) {
	c.mu.Lock()
	c.position = pos
	c.mu.Unlock()
	select {
	case c.posCh <- struct{}{}:
	default:
	}
}

// Authoritative 返回当前权威服务器
func (c *Controller) Authoritative() types.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authoritative
}

// Zone 返回已提交区域
func (c *Controller) Zone() types.ZoneID {
	return c.detector.Committed()
}

// WarmZones 返回暖连接区域
func (c *Controller) WarmZones() []types.ZoneID {
	return c.warm.Zones()
}

// Supervisor 返回重连监督器
func (c *Controller) Supervisor() *Supervisor {
	return c.sup
}

// OnTransition 注册区域切换回调
func (c *Controller) OnTransition(fn TransitionHandler) {
	c.mu.Lock()
	c.onTransition = append(c.onTransition, fn)
	c.mu.Unlock()
}

// OnHardFailure 注册硬失败回调
func (c *Controller) OnHardFailure(fn HardFailureHandler) {
	c.mu.Lock()
	c.onHardFailure = append(c.onHardFailure, fn)
	c.mu.Unlock()
}

// ============================================================================
//                              控制循环
// ============================================================================

func (c *Controller) loop(ctx context.Context) {
	defer c.loopWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.posCh:
			c.step(ctx)
		case <-c.warmTicker.C:
			c.step(ctx)
		case <-c.dogTicker.C:
			c.checkStalls()
		}
	}
}

func (c *Controller) currentPosition() types.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// step 处理一次位置：切换检测后调整暖连接
//
// 暖连接在后台建立，不阻塞控制循环。
func (c *Controller) step(ctx context.Context) {
	pos := c.currentPosition()
	if tr, ok := c.detector.Observe(pos); ok {
		c.transition(ctx, tr)
	}
	zone := c.Authoritative().ZoneID
	c.warm.Evaluate(ctx, pos, zone)
	c.metrics.WarmConnections(c.warm.Len())
}

// transition 切换权威连接；期间暂停两个定时器
func (c *Controller) transition(ctx context.Context, tr Transition) {
	c.warmTicker.Pause()
	c.dogTicker.Pause()
	defer c.warmTicker.Resume()
	defer c.dogTicker.Resume()

	next, err := c.acquire(ctx, tr.To)
	if err != nil {
		logger.Warn("区域切换失败，保持原区域", "from", tr.From, "to", tr.To, "error", err)
		c.detector.Reset(tr.From)
		return
	}
	if err := c.mgr.SetPrimary(next.ServerID); err != nil {
		logger.Warn("设置主连接失败", "server", next.ServerID, "error", err)
		c.detector.Reset(tr.From)
		return
	}

	c.mu.Lock()
	prev := c.authoritative
	c.authoritative = next
	handlers := append([]TransitionHandler(nil), c.onTransition...)
	c.mu.Unlock()

	if prev.ServerID != "" && prev.ServerID != next.ServerID && !c.warm.Holds(prev.ServerID) {
		if old := c.mgr.Get(prev.ServerID); old != nil {
			c.background(func() {
				if err := old.Drain(context.Background(), "zone transition"); err != nil {
					logger.Debug("排空原权威连接失败", "server", prev.ServerID, "error", err)
				}
			})
		}
	}

	c.metrics.Transition()
	logger.Info("区域切换", "from", tr.From, "to", tr.To, "server", next.ServerID)
	for _, fn := range handlers {
		fn(tr, next)
	}
}

// acquire 返回目标区域的已连接服务器，优先使用暖连接
func (c *Controller) acquire(ctx context.Context, zone types.ZoneID) (types.ServerInfo, error) {
	if id, ok := c.warm.Promote(zone); ok {
		if conn := c.mgr.Get(id); conn != nil && conn.State() == types.StateConnected {
			info, _ := c.mgr.Server(id)
			info.ZoneID = zone
			return info, nil
		}
	}
	info, err := c.directory.ResolveServerForZone(ctx, zone)
	if err != nil {
		return types.ServerInfo{}, err
	}
	if info == nil {
		return types.ServerInfo{}, fmt.Errorf("%w: zone %s", ErrNoServer, zone)
	}
	if _, err := c.mgr.Connect(ctx, *info); err != nil {
		return types.ServerInfo{}, err
	}
	return *info, nil
}

func (c *Controller) background(fn func()) {
	c.bgWg.Add(1)
	go func() {
		defer c.bgWg.Done()
		fn()
	}()
}

// checkStalls 对卡死的连接强制重连
func (c *Controller) checkStalls() {
	for id, conn := range c.mgr.Connections() {
		err := c.watchdog.Check(id, conn.State())
		if err == nil {
			continue
		}
		c.metrics.Stall()
		logger.Warn("连接卡死，强制重连", "server", id, "conn", log.TruncateID(conn.ID(), 8), "error", err)
		c.watchdog.Reset(id)
		if c.routed(id) {
			c.mgr.MarkReconnecting(id)
		}
		c.background(func() { conn.Abort(err) })
	}
}

// ============================================================================
//                              WarmDialer
// ============================================================================

// OpenWarm 实现 WarmDialer
func (c *Controller) OpenWarm(ctx context.Context, zone types.ZoneID) (string, error) {
	info, err := c.directory.ResolveServerForZone(ctx, zone)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("%w: zone %s", ErrNoServer, zone)
	}
	if _, err := c.mgr.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ServerID, nil
}

// CloseWarm 实现 WarmDialer；权威服务器或仍被其他暖区域使用的服务器保留
func (c *Controller) CloseWarm(zone types.ZoneID, serverID string) {
	if serverID == c.Authoritative().ServerID || c.warm.Holds(serverID) {
		c.mgr.UnbindZone(zone)
		return
	}
	c.sup.Cancel(serverID)
	conn := c.mgr.Remove(serverID)
	c.watchdog.Forget(serverID)
	if conn == nil {
		return
	}
	c.background(func() {
		if err := conn.Drain(context.Background(), "out of range"); err != nil {
			logger.Debug("排空暖连接失败", "server", serverID, "error", err)
		}
	})
}

// ============================================================================
//                              失效与重连
// ============================================================================

// routed 客户端是否仍经由该服务器路由：权威服务器或暖连接服务器
func (c *Controller) routed(serverID string) bool {
	return serverID == c.Authoritative().ServerID || c.warm.Holds(serverID)
}

// onLost 连接管理器报告连接丢失
//
// 仍在路由的服务器交给重连监督器，区域绑定与重连标记保留到重连成功或放弃；
// 其余（例如切换后排空的原权威连接）直接移出路由表。
func (c *Controller) onLost(info types.ServerInfo, err error) {
	c.watchdog.Reset(info.ServerID)
	if !c.routed(info.ServerID) {
		c.mgr.Remove(info.ServerID)
		c.watchdog.Forget(info.ServerID)
		return
	}
	c.sup.Trigger(info, err)
}

// reconnect 重新建立服务器连接并安装到路由表
//
// 权威服务器会重新解析区域的服务器，并在成功后重新成为主连接；
// 暖连接服务器原地替换，不改变主连接。
func (c *Controller) reconnect(ctx context.Context, info types.ServerInfo) error {
	if c.recovered(info.ServerID) {
		return nil
	}

	target := info
	if c.Authoritative().ServerID == info.ServerID {
		if fresh, err := c.directory.ResolveServerForZone(ctx, info.ZoneID); err == nil && fresh != nil {
			target = *fresh
		}
	}
	conn, err := c.mgr.Dial(ctx, target)
	if err != nil {
		return err
	}
	if c.recovered(info.ServerID) {
		conn.Close()
		return nil
	}

	if target.ServerID != info.ServerID {
		c.mgr.Remove(info.ServerID)
		if err := c.mgr.Add(target, conn); err != nil {
			conn.Close()
			return err
		}
	} else {
		old, err := c.mgr.Replace(target, conn)
		if err != nil {
			conn.Close()
			return err
		}
		if old != nil {
			old.Close()
		}
	}
	c.watchdog.Reset(target.ServerID)

	c.mu.Lock()
	primary := c.authoritative.ServerID == info.ServerID
	if primary {
		c.authoritative = target
	}
	c.mu.Unlock()
	if !primary {
		logger.Debug("暖连接已恢复", "server", target.ServerID, "zone", target.ZoneID)
		return nil
	}
	return c.mgr.SetPrimary(target.ServerID)
}

// recovered 服务器已经由其他路径（例如切换时直接连接）恢复
func (c *Controller) recovered(serverID string) bool {
	conn := c.mgr.Get(serverID)
	return conn != nil && conn.State() == types.StateConnected && !c.mgr.IsReconnecting(serverID)
}

// giveUp 重连放弃：清除重连标记，排队的请求随即失败
//
// 暖连接服务器移出路由表，其区域按退避间隔后重新预建立；
// 权威服务器保留并通知硬失败。
func (c *Controller) giveUp(info types.ServerInfo, err error) {
	c.mgr.ClearReconnecting(info.ServerID)
	if info.ServerID != c.Authoritative().ServerID {
		c.warm.Forget(info.ServerID)
		c.watchdog.Forget(info.ServerID)
		if conn := c.mgr.Remove(info.ServerID); conn != nil {
			conn.Close()
		}
		logger.Warn("放弃暖连接", "server", info.ServerID, "zone", info.ZoneID, "error", err)
		return
	}

	c.mu.Lock()
	handlers := append([]HardFailureHandler(nil), c.onHardFailure...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(info, err)
	}
}
