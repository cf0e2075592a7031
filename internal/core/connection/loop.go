package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// ============================================================================
//                              传输层回调
// ============================================================================

// DataReceived 实现 interfaces.ConnHandler
//
// 只解码并入队。可靠有序帧在队列满时阻塞分发协程形成背压，
// 不可靠帧直接丢弃。
func (c *Connection) DataReceived(data []byte, class types.DeliveryClass) {
	f, err := wire.Decode(data)
	if err != nil {
		logger.Debug("丢弃无法解码的帧", "conn", log.TruncateID(c.id, 8), "error", err)
		return
	}
	c.framesRecv.Add(1)
	c.bytesRecv.Add(uint64(len(data)))

	in := inbound{frame: f, class: class}
	if class == types.ReliableOrdered {
		select {
		case c.inbox <- in:
		case <-c.closing:
		}
		return
	}
	select {
	case c.inbox <- in:
	default:
		logger.Debug("接收队列已满，丢弃不可靠帧", "conn", log.TruncateID(c.id, 8), "kind", f.Kind())
	}
}

// ConnectionClosed 实现 interfaces.ConnHandler
func (c *Connection) ConnectionClosed(err error) {
	select {
	case c.transportClosed <- err:
	default:
	}
}

// ============================================================================
//                              处理协程
// ============================================================================

func (c *Connection) run() {
	defer close(c.done)

	ticker := c.clock.Ticker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-c.inbox:
			c.handle(in)
		case err := <-c.transportClosed:
			c.drainInbox()
			c.onTransportClosed(err)
		case <-ticker.C:
			c.tick()
		case <-c.closing:
			c.cleanup()
			return
		}
	}
}

func (c *Connection) drainInbox() {
	for {
		select {
		case in := <-c.inbox:
			c.handle(in)
		default:
			return
		}
	}
}

// onTransportClosed 排空中的连接被对端正常关闭视为 Closed，其余为 Failed
func (c *Connection) onTransportClosed(err error) {
	if err == nil {
		err = types.ErrConnectionClosed
	}
	if c.State() == types.StateDraining && errors.Is(err, types.ErrConnectionClosed) {
		c.terminate(types.StateClosed, err)
		return
	}
	c.terminate(types.StateFailed, err)
}

func (c *Connection) handle(in inbound) {
	c.touch()

	switch f := in.frame.(type) {
	case *wire.Hello:
		if c.role == RoleAcceptor && c.State() == types.StateHandshakePending {
			select {
			case c.helloCh <- f:
			default:
			}
		}
	case *wire.HelloReply:
		c.onHelloReply(f)
	case *wire.Heartbeat:
		c.onHeartbeat(f)
	case *wire.Response:
		c.onResponse(f)
	case *wire.Request:
		c.onRequest(f)
	case *wire.Push:
		c.lastPush.Store(c.clock.Now().UnixNano())
		if fn := c.cb.OnPush; fn != nil && c.established() {
			fn(c, f)
		}
	case *wire.ManifestUpdate:
		if c.role != RoleInitiator || !c.established() {
			return
		}
		c.mu.Lock()
		c.man = f.Manifest
		c.mu.Unlock()
		logger.Debug("对端更新 manifest", "conn", log.TruncateID(c.id, 8), "version", f.Manifest.Version())
		if fn := c.cb.OnManifest; fn != nil {
			fn(c, f.Manifest)
		}
	case *wire.Goodbye:
		logger.Debug("对端进入排空", "conn", log.TruncateID(c.id, 8), "reason", f.Reason)
		c.transition(types.StateDraining)
		if fn := c.cb.OnGoodbye; fn != nil {
			fn(c, f.Reason)
		}
	}
}

func (c *Connection) established() bool {
	st := c.State()
	return st == types.StateConnected || st == types.StateDraining
}

func (c *Connection) onRequest(req *wire.Request) {
	if !c.established() {
		logger.Debug("握手完成前收到请求，丢弃", "conn", log.TruncateID(c.id, 8))
		return
	}
	fn := c.cb.OnRequest
	if fn == nil {
		if req.Flags&wire.FlagOneWay == 0 {
			c.Respond(req.ID, nil, fmt.Errorf("no handler for %s", req.InterfaceID))
		}
		return
	}
	args, err := wire.Decompress(req.Args, req.Flags)
	if err != nil {
		if req.Flags&wire.FlagOneWay == 0 {
			c.Respond(req.ID, nil, err)
		}
		return
	}
	req.Args = args
	req.Flags &^= wire.FlagCompressed
	fn(c, req)
}

// ============================================================================
//                              心跳与空闲检测
// ============================================================================

func (c *Connection) onHeartbeat(hb *wire.Heartbeat) {
	if hb.Reply {
		rtt := c.clock.Now().Sub(time.Unix(0, hb.Timestamp))
		if rtt >= 0 {
			c.rtt.Store(int64(rtt))
		}
		return
	}
	if c.established() {
		c.sendRaw(&wire.Heartbeat{Timestamp: hb.Timestamp, Reply: true}, types.ReliableOrdered)
	}
}

func (c *Connection) tick() {
	if !c.established() {
		return
	}
	now := c.clock.Now()
	if idle := now.Sub(c.LastActivity()); idle > c.cfg.IdleTimeout {
		logger.Warn("连接空闲超时", "conn", log.TruncateID(c.id, 8), "remote", c.remote.String(), "idle", idle)
		c.terminate(types.StateFailed, fmt.Errorf("%w: %w: no traffic for %s", ErrIdleTimeout, types.ErrTransportTimeout, idle))
		return
	}
	if err := c.sendRaw(&wire.Heartbeat{Timestamp: now.UnixNano()}, types.ReliableOrdered); err != nil {
		logger.Debug("发送心跳失败", "conn", log.TruncateID(c.id, 8), "error", err)
	}
}
