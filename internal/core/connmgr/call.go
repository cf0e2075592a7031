package connmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Tolerance 重连期间的请求处理方式
type Tolerance int

const (
	// QueueDuringReconnect 在有界队列中等待新路由
	QueueDuringReconnect Tolerance = iota

	// FailFast 立即返回可重试错误
	FailFast
)

// String 返回名称
func (t Tolerance) String() string {
	if t == FailFast {
		return "fail-fast"
	}
	return "queue"
}

// ============================================================================
//                              路由
// ============================================================================

// Dispatch 返回目标区域的已连接连接
//
// zone 为 types.NoZone 时使用主连接。区域未绑定时向目录查询；
// 仍然没有连接时按配置回退到主连接，否则返回 types.ErrNoRouteForZone。
// 目标服务器重连中返回 types.ErrReconnecting。
func (m *Manager) Dispatch(ctx context.Context, zone types.ZoneID) (*connection.Connection, error) {
	c, err := m.dispatch(ctx, m.routes.Load(), zone)
	m.metrics.Dispatch(outcomeOf(err))
	return c, err
}

func (m *Manager) dispatch(ctx context.Context, t *routeTable, zone types.ZoneID) (*connection.Connection, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	id, ok := t.serverFor(zone)
	if !ok && zone.Valid() && m.directory != nil {
		info, err := m.directory.ResolveServerForZone(ctx, zone)
		if err != nil {
			return nil, fmt.Errorf("resolve zone %s: %w", zone, err)
		}
		if info != nil {
			id, ok = info.ServerID, true
		}
	}
	if ok {
		c, err := live(t, id)
		if err == nil || !errors.Is(err, types.ErrNoRouteForZone) {
			return c, err
		}
	}
	if m.cfg.FallbackToPrimary && zone.Valid() && t.primary != "" && t.primary != id {
		return live(t, t.primary)
	}
	return nil, fmt.Errorf("%w: %s", types.ErrNoRouteForZone, zone)
}

// live 返回服务器的已连接连接
//
// 标记为重连中的服务器即使旧连接仍自称已连接也不再使用。
func live(t *routeTable, serverID string) (*connection.Connection, error) {
	c := t.conns[serverID]
	switch {
	case t.isReconnecting(serverID):
		return nil, fmt.Errorf("%w: server %s", types.ErrReconnecting, serverID)
	case c != nil && c.State() == types.StateConnected:
		return c, nil
	case c != nil && c.State() == types.StateDraining:
		return nil, fmt.Errorf("%w: server %s", types.ErrDraining, serverID)
	case c != nil:
		return nil, fmt.Errorf("%w: server %s is %s", types.ErrNotConnected, serverID, c.State())
	default:
		return nil, fmt.Errorf("%w: server %s", types.ErrNoRouteForZone, serverID)
	}
}

// ============================================================================
//                              调用
// ============================================================================

// Call 路由并发送请求，等待响应
//
// 整个调用（包括重连等待与重新提交）受 req.Timeout 约束。重新提交沿用
// 同一请求 ID，服务器据此去重。连接关闭导致的失败只对幂等请求重新提交。
// 失败时返回 *types.RequestError。
func (m *Manager) Call(ctx context.Context, req connection.Request, tol Tolerance) ([]byte, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Connection.DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.clock.Now()
	resubmits := 0
	for {
		t := m.routes.Load()
		c, err := m.dispatch(ctx, t, req.TargetZone)
		m.metrics.Dispatch(outcomeOf(err))

		if err == nil {
			var data []byte
			data, err = c.Call(ctx, req)
			if err == nil {
				m.metrics.Request(metrics.OutcomeOK, m.clock.Since(start))
				return data, nil
			}
			if !resubmittable(req, err) || resubmits >= m.cfg.MaxResubmits {
				return nil, m.fail(req, err, start)
			}
			resubmits++
			logger.Debug("重新提交请求", "request", req.ID.String(), "zone", req.TargetZone, "attempt", resubmits, "error", err)
		} else if !waitable(err) {
			return nil, m.fail(req, err, start)
		}

		if tol == FailFast {
			return nil, m.fail(req, err, start)
		}
		if werr := m.waitRoutes(ctx, t); werr != nil {
			return nil, m.fail(req, werr, start)
		}
	}
}

// Send 路由并发送单向请求
func (m *Manager) Send(ctx context.Context, req connection.Request, class types.DeliveryClass) error {
	c, err := m.Dispatch(ctx, req.TargetZone)
	if err == nil {
		err = c.Send(req, class)
	}
	if err != nil {
		return &types.RequestError{RequestID: req.ID.String(), Zone: req.TargetZone, Err: err, Retry: types.DispositionOf(err)}
	}
	return nil
}

// waitRoutes 在有界队列中等待路由表发布新版本
func (m *Manager) waitRoutes(ctx context.Context, t *routeTable) error {
	if int(m.waiters.Add(1)) > m.cfg.ReconnectQueueSize {
		m.waiters.Add(-1)
		return fmt.Errorf("%w: %w", types.ErrReconnecting, ErrReconnectQueueFull)
	}
	defer m.waiters.Add(-1)

	select {
	case <-t.changed:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: no route became available", types.ErrRequestTimedOut)
		}
		return ctx.Err()
	}
}

func (m *Manager) fail(req connection.Request, err error, start time.Time) error {
	m.metrics.Request(outcomeOf(err), m.clock.Since(start))
	return &types.RequestError{
		RequestID: req.ID.String(),
		Zone:      req.TargetZone,
		Err:       err,
		Retry:     types.DispositionOf(err),
	}
}

// waitable 路由暂时不可用，等待路由表变化后重试
func waitable(err error) bool {
	return errors.Is(err, types.ErrReconnecting) ||
		errors.Is(err, types.ErrDraining) ||
		errors.Is(err, types.ErrNotConnected)
}

// resubmittable 请求可以安全地重新提交
//
// 排空与未连接的请求从未发出；连接关闭时请求可能已经执行，只有幂等请求可以重新提交。
func resubmittable(req connection.Request, err error) bool {
	if errors.Is(err, types.ErrDraining) || errors.Is(err, types.ErrNotConnected) {
		return true
	}
	return req.Idempotent && errors.Is(err, types.ErrConnectionClosed)
}

func outcomeOf(err error) string {
	var remote *types.RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, types.ErrNoRouteForZone):
		return metrics.OutcomeNoRoute
	case errors.Is(err, types.ErrReconnecting):
		return metrics.OutcomeReconnecting
	case errors.Is(err, types.ErrDraining):
		return metrics.OutcomeDraining
	case errors.Is(err, types.ErrRequestTimedOut):
		return metrics.OutcomeTimeout
	case errors.Is(err, types.ErrConnectionClosed):
		return metrics.OutcomeClosed
	case errors.As(err, &remote):
		return metrics.OutcomeRemoteError
	default:
		return metrics.OutcomeError
	}
}
