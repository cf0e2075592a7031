package connection

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// DialParams 发起方参数
type DialParams struct {
	Transport interfaces.Transport
	Remote    types.Endpoint
	Token     []byte
	ClientID  string
	Config    Config
	Clock     clock.Clock
	Callbacks Callbacks
}

// AcceptParams 接受方参数
type AcceptParams struct {
	Config    Config
	Clock     clock.Clock
	Validator interfaces.TokenValidator
	Manifest  *manifest.Manifest
	ServerID  string
	Zone      types.ZoneID
	Callbacks Callbacks
}

// Dial 建立传输连接并完成握手
//
// 返回的连接处于 Connected 状态。令牌被拒绝返回 types.ErrHandshakeRejected，
// 超时返回 types.ErrTransportTimeout。
func Dial(ctx context.Context, p DialParams) (*Connection, error) {
	cfg := p.Config.withDefaults()
	c := newConnection(RoleInitiator, cfg, p.Clock, p.Remote, p.Callbacks)

	tc, err := p.Transport.Connect(ctx, p.Remote, cfg.HandshakeTimeout)
	if err != nil {
		c.abort(err)
		return nil, err
	}
	c.attach(tc)

	if !c.transition(types.StateHandshakePending) {
		c.Close()
		return nil, types.ErrConnectionClosed
	}
	hello := &wire.Hello{Version: cfg.ProtocolVersion, Token: p.Token, ClientID: p.ClientID}
	if err := c.sendRaw(hello, types.ReliableOrdered); err != nil {
		c.terminate(types.StateFailed, err)
		<-c.done
		return nil, err
	}

	timer := c.clock.Timer(cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-c.handshakeDone:
		logger.Debug("握手完成",
			"conn", log.TruncateID(c.id, 8),
			"server", c.PeerID(),
			"zone", c.AssignedZone(),
			"interfaces", c.Manifest().Len())
		return c, nil
	case <-timer.C:
		c.terminate(types.StateFailed, fmt.Errorf("%w: no handshake reply from %s within %s",
			types.ErrTransportTimeout, p.Remote, cfg.HandshakeTimeout))
	case <-ctx.Done():
		c.terminate(types.StateFailed, ctx.Err())
	case <-c.closing:
	}
	<-c.done
	return nil, c.Err()
}

// Accept 在入站传输连接上执行接受方握手
//
// 校验失败时回复拒绝原因并关闭连接，返回 types.ErrHandshakeRejected。
func Accept(ctx context.Context, tc interfaces.TransportConn, p AcceptParams) (*Connection, error) {
	cfg := p.Config.withDefaults()
	c := newConnection(RoleAcceptor, cfg, p.Clock, tc.RemoteEndpoint(), p.Callbacks)
	c.state.Store(int32(types.StateHandshakePending))
	c.attach(tc)

	timer := c.clock.Timer(cfg.HandshakeTimeout)
	defer timer.Stop()

	var hello *wire.Hello
	select {
	case hello = <-c.helloCh:
	case <-timer.C:
		c.terminate(types.StateFailed, fmt.Errorf("%w: no hello within %s", types.ErrTransportTimeout, cfg.HandshakeTimeout))
		<-c.done
		return nil, c.Err()
	case <-ctx.Done():
		c.terminate(types.StateFailed, ctx.Err())
		<-c.done
		return nil, ctx.Err()
	case <-c.closing:
		<-c.done
		return nil, c.Err()
	}

	reason := ""
	if hello.Version != cfg.ProtocolVersion {
		reason = fmt.Sprintf("%v: %d", ErrProtocolVersion, hello.Version)
	} else if p.Validator != nil {
		if err := p.Validator.ValidateToken(ctx, hello.Token, c.remote); err != nil {
			reason = err.Error()
		}
	}
	if reason != "" {
		return nil, c.reject(ctx, reason)
	}

	man := p.Manifest
	if man == nil {
		man = manifest.Empty()
	}
	reply := &wire.HelloReply{
		Accepted:     true,
		Manifest:     man,
		AssignedZone: p.Zone,
		ServerID:     p.ServerID,
	}

	// 回复、状态迁移与排队数据的冲刷在同一临界区内完成，保证对端先收到回复
	c.mu.Lock()
	c.man = man
	c.peerID = hello.ClientID
	c.assignedZone = p.Zone
	if err := c.sendRaw(reply, types.ReliableOrdered); err != nil {
		c.mu.Unlock()
		c.terminate(types.StateFailed, err)
		<-c.done
		return nil, err
	}
	from, ok := c.transitionLocked(types.StateConnected)
	c.flushQueueLocked()
	c.mu.Unlock()
	if !ok {
		<-c.done
		return nil, c.Err()
	}
	c.notifyState(from, types.StateConnected, nil)
	c.handshakeOnce.Do(func() { close(c.handshakeDone) })

	logger.Debug("接受连接", "conn", log.TruncateID(c.id, 8), "client", hello.ClientID, "remote", c.remote.String())
	return c, nil
}

// reject 回复拒绝原因，等待其送达后关闭
func (c *Connection) reject(ctx context.Context, reason string) error {
	logger.Info("拒绝连接", "remote", c.remote.String(), "reason", reason)

	if err := c.sendRaw(&wire.HelloReply{Accepted: false, Reason: reason}, types.ReliableOrdered); err == nil {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		if ferr := c.tc.Flush(fctx); ferr != nil {
			logger.Debug("拒绝回复未确认", "remote", c.remote.String(), "error", ferr)
		}
		cancel()
	}

	err := fmt.Errorf("%w: %s", types.ErrHandshakeRejected, reason)
	c.terminate(types.StateFailed, err)
	<-c.done
	return err
}

// attach 绑定传输连接并启动处理协程
func (c *Connection) attach(tc interfaces.TransportConn) {
	c.tc = tc
	tc.SetHandler(c)
	go c.run()
}

// abort 传输连接未建立时直接进入 Failed
func (c *Connection) abort(err error) {
	c.terminate(types.StateFailed, err)
	close(c.done)
}

// onHelloReply 发起方处理握手回复
func (c *Connection) onHelloReply(reply *wire.HelloReply) {
	if c.role != RoleInitiator || c.State() != types.StateHandshakePending {
		return
	}
	if !reply.Accepted {
		c.terminate(types.StateFailed, fmt.Errorf("%w: %s", types.ErrHandshakeRejected, reply.Reason))
		return
	}

	c.mu.Lock()
	c.man = reply.Manifest
	c.peerID = reply.ServerID
	c.assignedZone = reply.AssignedZone
	from, ok := c.transitionLocked(types.StateConnected)
	c.flushQueueLocked()
	c.mu.Unlock()
	if !ok {
		return
	}
	c.notifyState(from, types.StateConnected, nil)
	c.handshakeOnce.Do(func() { close(c.handshakeDone) })
}
