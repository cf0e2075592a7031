package udp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dep2p/go-zonerpc/internal/core/transport/channel"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// sendBufferFactor 可靠有序发送缓冲区为窗口的倍数
const sendBufferFactor = 4

type sessionState int

const (
	stateHandshaking sessionState = iota
	stateOpen
	stateClosed
)

type sessionKey struct {
	addr   string
	connID uint32
}

type event struct {
	data  []byte
	class types.DeliveryClass
}

var _ interfaces.TransportConn = (*session)(nil)

// session 一个 UDP 连接
type session struct {
	t        *Transport
	key      sessionKey
	remote   net.Addr
	remoteEP types.Endpoint
	outbound bool

	mu       sync.Mutex
	state    sessionState
	lastSYN  time.Time
	sender   *channel.ReliableSender
	receiver *channel.ReliableReceiver
	handler  interfaces.ConnHandler
	flushed  chan struct{}
	closeErr error

	seqIn  channel.SequencedFilter
	seqOut channel.SequenceCounter

	events chan event

	// established 出站握手结果，容量 1
	established chan error

	handlerSet   chan struct{}
	handlerOnce  sync.Once
	closing      chan struct{}
	closeOnce    sync.Once
	remoteClosed chan struct{}
	dead         chan struct{}
	deadOnce     sync.Once
	done         chan struct{}
}

func newSession(t *Transport, remote net.Addr, connID uint32, outbound bool) *session {
	ep, err := types.ParseEndpoint(remote.String())
	if err != nil {
		ep = types.Endpoint{Host: remote.String(), Classes: types.AllDeliveryClasses}
	}
	s := &session{
		t:        t,
		key:      sessionKey{addr: remote.String(), connID: connID},
		remote:   remote,
		remoteEP: ep,
		outbound: outbound,
		sender: channel.NewReliableSender(channel.SenderConfig{
			Window:     t.cfg.Window,
			MaxPayload: t.cfg.MaxPacketSize - channel.HeaderSize,
			RTO:        t.cfg.RetransmitInterval.Duration(),
			MaxRetries: t.cfg.MaxRetransmits,
		}),
		receiver:     channel.NewReliableReceiver(t.cfg.Window),
		events:       make(chan event, t.cfg.EventQueueSize),
		established:  make(chan error, 1),
		handlerSet:   make(chan struct{}),
		closing:      make(chan struct{}),
		remoteClosed: make(chan struct{}),
		dead:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if !outbound {
		s.state = stateOpen
	}
	return s
}

// ID 返回连接句柄 ID
func (s *session) ID() string {
	return fmt.Sprintf("udp/%s/%08x", s.key.addr, s.key.connID)
}

// RemoteEndpoint 返回远端端点
func (s *session) RemoteEndpoint() types.Endpoint {
	return s.remoteEP
}

// SetHandler 设置回调，只有第一次调用生效
func (s *session) SetHandler(h interfaces.ConnHandler) {
	s.handlerOnce.Do(func() {
		s.mu.Lock()
		s.handler = h
		s.mu.Unlock()
		close(s.handlerSet)
	})
}

// Send 以指定投递类别发送数据，不阻塞
func (s *session) Send(data []byte, class types.DeliveryClass) error {
	if !class.Valid() {
		return ErrInvalidClass
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return types.ErrConnectionClosed
	}

	switch class {
	case types.Unreliable, types.SequencedUnreliable:
		if len(data)+channel.HeaderSize > s.t.cfg.MaxPacketSize {
			return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
		}
		h := channel.Header{Type: channel.PacketData, ConnID: s.key.connID, Class: class}
		if class == types.SequencedUnreliable {
			h.Seq = s.seqOut.Next()
		}
		return s.t.write(h, data, s.remote)
	default:
		if s.sender.Outstanding() >= s.t.cfg.Window*sendBufferFactor {
			return ErrSendBufferFull
		}
		msg := append([]byte(nil), data...)
		for _, seg := range s.sender.Push(msg, s.t.clock.Now()) {
			s.writeSegment(seg)
		}
		return nil
	}
}

// Flush 等待所有可靠有序数据被确认
func (s *session) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == stateClosed {
			s.mu.Unlock()
			return types.ErrConnectionClosed
		}
		if s.sender.Outstanding() == 0 {
			s.mu.Unlock()
			return nil
		}
		if s.flushed == nil {
			s.flushed = make(chan struct{})
		}
		ch := s.flushed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-s.dead:
			return types.ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close 关闭连接，等待分发协程退出后返回
//
// 不得在回调内部调用。
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state == stateOpen
		s.state = stateClosed
		s.mu.Unlock()

		close(s.closing)
		s.markDead()
		if wasOpen {
			_ = s.t.write(channel.Header{Type: channel.PacketFIN, ConnID: s.key.connID}, nil, s.remote)
		}
		s.t.removeSession(s)
	})
	<-s.done
	return nil
}

func (s *session) markDead() {
	s.deadOnce.Do(func() { close(s.dead) })
}

// fail 因远端关闭或传输错误终止连接，回调在分发协程中执行
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	s.closeErr = err
	s.mu.Unlock()

	close(s.remoteClosed)
	s.markDead()
	s.t.removeSession(s)
}

// writeSegment 调用方持有 s.mu
func (s *session) writeSegment(seg channel.Segment) {
	h := channel.Header{
		Type:   channel.PacketData,
		ConnID: s.key.connID,
		Class:  types.ReliableOrdered,
		Flags:  seg.Flags,
		Seq:    seg.Seq,
	}
	_ = s.t.write(h, seg.Payload, s.remote)
}

// ============================================================================
//                              接收路径（读循环调用）
// ============================================================================

func (s *session) onSYNACK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLocked()
}

// openLocked 调用方持有 s.mu
func (s *session) openLocked() {
	if s.state != stateHandshaking {
		return
	}
	s.state = stateOpen
	select {
	case s.established <- nil:
	default:
	}
}

func (s *session) onRST() {
	s.mu.Lock()
	if s.state == stateHandshaking {
		s.state = stateClosed
		s.mu.Unlock()
		select {
		case s.established <- types.ErrTransportRejected:
		default:
		}
		return
	}
	s.mu.Unlock()
	s.fail(types.ErrTransportRejected)
}

func (s *session) onData(h channel.Header, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosed:
		return
	case stateHandshaking:
		// SYNACK 丢失但数据先到，视为握手完成
		s.openLocked()
	}

	switch h.Class {
	case types.Unreliable:
		s.enqueueLocked(event{data: append([]byte(nil), payload...), class: h.Class})
	case types.SequencedUnreliable:
		if s.seqIn.Accept(h.Seq) {
			s.enqueueLocked(event{data: append([]byte(nil), payload...), class: h.Class})
		}
	case types.ReliableOrdered:
		if s.receiver.Accept(channel.Segment{Seq: h.Seq, Flags: h.Flags, Payload: payload}) {
			ack := channel.Header{Type: channel.PacketAck, ConnID: s.key.connID, Class: types.ReliableOrdered, Seq: h.Seq}
			_ = s.t.write(ack, channel.AckPayload(s.receiver.Cumulative()), s.remote)
		}
		s.pumpLocked()
	}
}

func (s *session) onAck(h channel.Header, payload []byte) {
	cumulative, ok := channel.ParseAckPayload(payload)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return
	}
	for _, seg := range s.sender.Ack(h.Seq, cumulative, s.t.clock.Now()) {
		s.writeSegment(seg)
	}
	if s.sender.Outstanding() == 0 && s.flushed != nil {
		close(s.flushed)
		s.flushed = nil
	}
}

// retransmit 由重传协程调用
func (s *session) retransmit(now time.Time, synInterval time.Duration) {
	s.mu.Lock()
	switch s.state {
	case stateHandshaking:
		if now.Sub(s.lastSYN) >= synInterval {
			s.lastSYN = now
			_ = s.t.write(channel.Header{Type: channel.PacketSYN, ConnID: s.key.connID}, nil, s.remote)
		}
		s.mu.Unlock()
		return
	case stateClosed:
		s.mu.Unlock()
		return
	}

	due, err := s.sender.Due(now)
	if err != nil {
		s.mu.Unlock()
		logger.Debug("可靠分片重传耗尽，连接失效", "conn", s.ID())
		s.fail(fmt.Errorf("%w: %v", types.ErrTransportTimeout, err))
		return
	}
	for _, seg := range due {
		s.writeSegment(seg)
	}
	s.mu.Unlock()
}

// enqueueLocked 调用方持有 s.mu，队列满时丢弃
func (s *session) enqueueLocked(ev event) {
	select {
	case s.events <- ev:
	default:
		logger.Debug("分发队列已满，丢弃数据", "conn", s.ID(), "class", ev.class)
	}
}

// pumpLocked 把已重组的可靠消息移入分发队列，调用方持有 s.mu
func (s *session) pumpLocked() {
	for s.receiver.Ready() > 0 && len(s.events) < cap(s.events) {
		msg, _ := s.receiver.Pop()
		s.events <- event{data: msg, class: types.ReliableOrdered}
	}
}

// ============================================================================
//                              分发协程
// ============================================================================

func (s *session) dispatch() {
	defer close(s.done)

	select {
	case <-s.handlerSet:
	case <-s.closing:
		return
	}

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	for {
		select {
		case <-s.closing:
			return
		default:
		}

		select {
		case ev := <-s.events:
			s.deliver(h, ev)
		case <-s.remoteClosed:
			s.drain(h)
			s.mu.Lock()
			err := s.closeErr
			s.mu.Unlock()
			h.ConnectionClosed(err)
			<-s.closing
			return
		case <-s.closing:
			return
		}
	}
}

func (s *session) deliver(h interfaces.ConnHandler, ev event) {
	h.DataReceived(ev.data, ev.class)

	s.mu.Lock()
	s.pumpLocked()
	s.mu.Unlock()
}

// drain 远端关闭前投递已到达的数据
func (s *session) drain(h interfaces.ConnHandler) {
	for {
		select {
		case ev := <-s.events:
			s.deliver(h, ev)
		case <-s.closing:
			return
		default:
			return
		}
	}
}
