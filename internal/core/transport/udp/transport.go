package udp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/transport/channel"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/transport/udp")

// synInterval SYN 重发间隔
const synInterval = 250 * time.Millisecond

// 确保实现了接口
var _ interfaces.Transport = (*Transport)(nil)

// Option 传输选项
type Option func(*Transport)

// WithNetwork 使用指定的数据报网络
func WithNetwork(n Network) Option {
	return func(t *Transport) { t.network = n }
}

// WithClock 使用指定时钟
func WithClock(c clock.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// Transport UDP 线路传输
type Transport struct {
	cfg     config.TransportConfig
	network Network
	clock   clock.Clock

	mu          sync.Mutex
	pc          net.PacketConn
	local       types.Endpoint
	sessions    map[sessionKey]*session
	established interfaces.EstablishedHandler
	nextConnID  uint32
	closed      bool

	closing chan struct{}
	wg      sync.WaitGroup
}

// New 创建 UDP 传输
func New(cfg config.TransportConfig, opts ...Option) *Transport {
	t := &Transport{
		cfg:        cfg,
		network:    OSNetwork{},
		clock:      clock.New(),
		sessions:   make(map[sessionKey]*session),
		nextConnID: rand.Uint32(),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name 返回传输名称
func (t *Transport) Name() string {
	return config.TransportUDP
}

// Start 绑定本地端点并启动读循环和重传协程
func (t *Transport) Start(bind types.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.pc != nil {
		return ErrAlreadyStarted
	}

	pc, err := t.network.ListenPacket(bind.String())
	if err != nil {
		return fmt.Errorf("listen %s: %w", bind, err)
	}
	local, err := types.ParseEndpoint(pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("local endpoint: %w", err)
	}
	t.pc = pc
	t.local = local

	t.wg.Add(2)
	go t.readLoop(pc)
	go t.retransmitLoop()

	logger.Info("UDP 传输已启动", "local", local.String())
	return nil
}

// SetEstablishedHandler 设置入站连接回调
func (t *Transport) SetEstablishedHandler(h interfaces.EstablishedHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.established = h
}

// LocalEndpoint 返回实际绑定的本地端点
func (t *Transport) LocalEndpoint() types.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Connect 连接远端
func (t *Transport) Connect(ctx context.Context, remote types.Endpoint, timeout time.Duration) (interfaces.TransportConn, error) {
	addr, err := t.network.ResolveAddr(remote)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", remote, err)
	}
	if timeout <= 0 {
		timeout = t.cfg.HandshakeTimeout.Duration()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if t.pc == nil {
		t.mu.Unlock()
		return nil, ErrNotStarted
	}
	t.nextConnID++
	s := newSession(t, addr, t.nextConnID, true)
	t.sessions[s.key] = s
	t.mu.Unlock()

	go s.dispatch()

	s.mu.Lock()
	s.lastSYN = t.clock.Now()
	s.mu.Unlock()
	_ = t.write(channel.Header{Type: channel.PacketSYN, ConnID: s.key.connID}, nil, addr)

	timer := t.clock.Timer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-s.established:
		if err == nil {
			logger.Debug("UDP 连接已建立", "conn", s.ID())
			return s, nil
		}
		cause = fmt.Errorf("%w: %s", err, remote)
	case <-timer.C:
		cause = fmt.Errorf("%w: no handshake reply from %s within %s", types.ErrTransportTimeout, remote, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %s: %v", types.ErrTransportTimeout, remote, ctx.Err())
		} else {
			cause = ctx.Err()
		}
	case <-t.closing:
		cause = ErrTransportClosed
	}

	s.Close()
	return nil, cause
}

// Close 关闭传输及所有连接
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	pc := t.pc
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	var err error
	if pc != nil {
		err = pc.Close()
	}
	t.wg.Wait()
	logger.Debug("UDP 传输已关闭", "sessions", len(sessions))
	return err
}

func (t *Transport) removeSession(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions[s.key] == s {
		delete(t.sessions, s.key)
	}
}

func (t *Transport) lookup(key sessionKey) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[key]
}

func (t *Transport) write(h channel.Header, payload []byte, to net.Addr) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return ErrNotStarted
	}
	_, err := pc.WriteTo(h.Append(make([]byte, 0, channel.HeaderSize+len(payload)), payload), to)
	return err
}

// ============================================================================
//                              事件泵
// ============================================================================

func (t *Transport) readLoop(pc net.PacketConn) {
	defer t.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debug("读取数据报失败", "error", err)
			continue
		}

		h, payload, err := channel.ParseHeader(buf[:n])
		if err != nil {
			continue
		}
		t.handlePacket(addr, h, payload)
	}
}

func (t *Transport) handlePacket(from net.Addr, h channel.Header, payload []byte) {
	key := sessionKey{addr: from.String(), connID: h.ConnID}
	s := t.lookup(key)

	switch h.Type {
	case channel.PacketSYN:
		if s != nil {
			if !s.outbound {
				_ = t.write(channel.Header{Type: channel.PacketSYNACK, ConnID: h.ConnID}, nil, from)
			}
			return
		}
		t.accept(from, h.ConnID)
	case channel.PacketSYNACK:
		if s != nil && s.outbound {
			s.onSYNACK()
		}
	case channel.PacketRST:
		if s != nil {
			s.onRST()
		}
	case channel.PacketFIN:
		if s != nil {
			s.fail(types.ErrConnectionClosed)
		}
	case channel.PacketData:
		if s == nil {
			_ = t.write(channel.Header{Type: channel.PacketRST, ConnID: h.ConnID}, nil, from)
			return
		}
		s.onData(h, payload)
	case channel.PacketAck:
		if s != nil {
			s.onAck(h, payload)
		}
	}
}

func (t *Transport) accept(from net.Addr, connID uint32) {
	t.mu.Lock()
	handler := t.established
	if handler == nil || t.closed {
		t.mu.Unlock()
		_ = t.write(channel.Header{Type: channel.PacketRST, ConnID: connID}, nil, from)
		return
	}
	s := newSession(t, from, connID, false)
	t.sessions[s.key] = s
	t.mu.Unlock()

	go s.dispatch()
	_ = t.write(channel.Header{Type: channel.PacketSYNACK, ConnID: connID}, nil, from)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("入站连接回调 panic", "conn", s.ID(), "panic", r)
			}
		}()
		handler(s)
	}()
}

func (t *Transport) retransmitLoop() {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.cfg.RetransmitInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-t.closing:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		sessions := make([]*session, 0, len(t.sessions))
		for _, s := range t.sessions {
			sessions = append(sessions, s)
		}
		t.mu.Unlock()

		now := t.clock.Now()
		for _, s := range sessions {
			s.retransmit(now, synInterval)
		}
	}
}
