package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Request 一次远程调用
type Request struct {
	// ID 请求 ID，零值时自动生成；重新提交时沿用原 ID
	ID uuid.UUID

	TargetZone  types.ZoneID
	InterfaceID string
	MethodID    uint32
	Args        []byte

	// Timeout 请求超时，0 使用默认值；与 ctx 截止时间取较早者
	Timeout time.Duration

	// Idempotent 可安全重新提交
	Idempotent bool
}

// ============================================================================
//                              发送
// ============================================================================

// sendRaw 不检查状态、不经过握手排队直接发送
func (c *Connection) sendRaw(f wire.Frame, class types.DeliveryClass) error {
	return c.transmit(wire.Encode(f), class)
}

func (c *Connection) transmit(data []byte, class types.DeliveryClass) error {
	if err := c.tc.Send(data, class); err != nil {
		return err
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// sendFrame 握手完成前入队，完成后直接发送
func (c *Connection) sendFrame(f wire.Frame, class types.DeliveryClass) error {
	data := wire.Encode(f)

	c.mu.Lock()
	switch st := c.State(); {
	case st.Terminal():
		c.mu.Unlock()
		return types.ErrConnectionClosed
	case st < types.StateConnected:
		if len(c.preQueue) >= c.cfg.PreHandshakeQueue {
			c.mu.Unlock()
			return types.ErrNotConnected
		}
		c.preQueue = append(c.preQueue, queued{data: data, class: class})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.transmit(data, class)
}

// flushQueueLocked 按入队顺序发送握手前排队的数据
func (c *Connection) flushQueueLocked() {
	for _, q := range c.preQueue {
		if err := c.transmit(q.data, q.class); err != nil {
			logger.Debug("发送排队数据失败", "conn", log.TruncateID(c.id, 8), "error", err)
		}
	}
	c.preQueue = nil
}

// ============================================================================
//                              请求与响应
// ============================================================================

// Call 发送请求并等待响应
//
// 截止时间取 ctx 与 Timeout 中较早者，超时返回 types.ErrRequestTimedOut，
// 只取消该请求本身。连接关闭时返回 types.ErrConnectionClosed，排空中返回 types.ErrDraining。
func (c *Connection) Call(ctx context.Context, req Request) ([]byte, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultRequestTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := c.clock.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: deadline already passed", types.ErrRequestTimedOut)
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	ch := make(chan result, 1)

	c.mu.Lock()
	switch st := c.State(); {
	case st == types.StateDraining:
		c.mu.Unlock()
		return nil, types.ErrDraining
	case st.Terminal():
		c.mu.Unlock()
		return nil, types.ErrConnectionClosed
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection: request %s already in flight", id)
	}
	if len(c.pending) >= c.cfg.MaxPendingRequests {
		c.mu.Unlock()
		return nil, ErrTooManyPending
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.sendFrame(c.buildRequest(id, req, timeout, 0), types.ReliableOrdered); err != nil {
		c.removePending(id)
		return nil, err
	}

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s after %s", types.ErrRequestTimedOut, req.InterfaceID, timeout)
	case <-ctx.Done():
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", types.ErrRequestTimedOut, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Send 发送单向请求，不等待响应
//
// 投递类别由调用方指定，例如位置上报可以使用不可靠类别。
func (c *Connection) Send(req Request, class types.DeliveryClass) error {
	if st := c.State(); st == types.StateDraining {
		return types.ErrDraining
	}
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return c.sendFrame(c.buildRequest(id, req, 0, wire.FlagOneWay), class)
}

func (c *Connection) buildRequest(id uuid.UUID, req Request, timeout time.Duration, flags uint32) *wire.Request {
	args, cflags := wire.Compress(req.Args, c.cfg.CompressThreshold)
	flags |= cflags
	if req.Idempotent {
		flags |= wire.FlagIdempotent
	}
	return &wire.Request{
		ID:          id,
		TargetZone:  req.TargetZone,
		InterfaceID: req.InterfaceID,
		MethodID:    req.MethodID,
		Args:        args,
		TimeoutMs:   uint32(timeout / time.Millisecond),
		Flags:       flags,
	}
}

// Respond 回复请求（接受方）
//
// callErr 非 nil 时回复失败响应，错误文本作为错误载荷。
func (c *Connection) Respond(id uuid.UUID, result []byte, callErr error) error {
	resp := &wire.Response{ID: id, Success: callErr == nil}
	if callErr != nil {
		resp.Error = callErr.Error()
	} else {
		resp.Result, resp.Flags = wire.Compress(result, c.cfg.CompressThreshold)
	}
	return c.sendFrame(resp, types.ReliableOrdered)
}

// RespondFrame 发送已构造好的响应，用于缓存的重复请求
func (c *Connection) RespondFrame(resp *wire.Response) error {
	return c.sendFrame(resp, types.ReliableOrdered)
}

// onResponse 把响应交给等待者
func (c *Connection) onResponse(resp *wire.Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		c.signalDrainLocked()
	}
	c.mu.Unlock()
	if !ok {
		logger.Debug("丢弃迟到的响应", "conn", log.TruncateID(c.id, 8), "request", resp.ID.String())
		return
	}

	if !resp.Success {
		ch <- result{err: &types.RemoteError{Payload: []byte(resp.Error)}}
		return
	}
	data, err := wire.Decompress(resp.Result, resp.Flags)
	ch <- result{data: data, err: err}
}

func (c *Connection) removePending(id uuid.UUID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.signalDrainLocked()
	c.mu.Unlock()
}

func (c *Connection) signalDrainLocked() {
	if c.drainWait != nil && len(c.pending) == 0 {
		close(c.drainWait)
		c.drainWait = nil
	}
}

// ============================================================================
//                              推送与 manifest
// ============================================================================

// Push 以有序不可靠类别推送状态更新
func (c *Connection) Push(topic string, payload []byte) error {
	return c.sendFrame(&wire.Push{Topic: topic, Payload: payload}, types.SequencedUnreliable)
}

// UpdateManifest 替换本端 manifest 并通知对端（接受方）
func (c *Connection) UpdateManifest(m *manifest.Manifest) error {
	if c.role != RoleAcceptor {
		return ErrNotAcceptor
	}
	if m == nil {
		m = manifest.Empty()
	}
	c.mu.Lock()
	c.man = m
	c.mu.Unlock()
	return c.sendFrame(&wire.ManifestUpdate{Manifest: m}, types.ReliableOrdered)
}
