package quic

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dep2p/go-zonerpc/internal/core/transport/channel"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// maxFrameSize 可靠有序帧最大长度
const maxFrameSize = 16 << 20

type event struct {
	data  []byte
	class types.DeliveryClass
}

var _ interfaces.TransportConn = (*conn)(nil)

// conn QUIC 连接
type conn struct {
	t      *Transport
	qc     *quic.Conn
	stream *quic.Stream
	remote types.Endpoint

	seqOut channel.SequenceCounter
	seqIn  channel.SequencedFilter

	sendq   chan []byte
	pending atomic.Int64

	events chan event

	handler     interfaces.ConnHandler
	handlerSet  chan struct{}
	handlerOnce sync.Once

	mu       sync.Mutex
	closeErr error

	closing      chan struct{}
	closeOnce    sync.Once
	remoteClosed chan struct{}
	failOnce     sync.Once
	done         chan struct{}
	readers      sync.WaitGroup
}

func newConn(t *Transport, qc *quic.Conn, st *quic.Stream) *conn {
	remote, err := types.ParseEndpoint(qc.RemoteAddr().String())
	if err != nil {
		remote = types.Endpoint{Host: qc.RemoteAddr().String(), Classes: types.AllDeliveryClasses}
	}
	return &conn{
		t:            t,
		qc:           qc,
		stream:       st,
		remote:       remote,
		sendq:        make(chan []byte, t.cfg.EventQueueSize),
		events:       make(chan event, t.cfg.EventQueueSize),
		handlerSet:   make(chan struct{}),
		closing:      make(chan struct{}),
		remoteClosed: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (c *conn) start() {
	c.readers.Add(3)
	go c.streamReader()
	go c.datagramReader()
	go c.writer()
	go c.dispatch()
}

// ID 返回连接句柄 ID
func (c *conn) ID() string {
	return fmt.Sprintf("quic/%s/%p", c.remote, c)
}

// RemoteEndpoint 返回远端端点
func (c *conn) RemoteEndpoint() types.Endpoint {
	return c.remote
}

// SetHandler 设置回调，只有第一次调用生效
func (c *conn) SetHandler(h interfaces.ConnHandler) {
	c.handlerOnce.Do(func() {
		c.handler = h
		close(c.handlerSet)
	})
}

// Send 以指定投递类别发送数据，不阻塞
func (c *conn) Send(data []byte, class types.DeliveryClass) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	select {
	case <-c.closing:
		return types.ErrConnectionClosed
	case <-c.remoteClosed:
		return types.ErrConnectionClosed
	default:
	}

	switch class {
	case types.Unreliable:
		b := make([]byte, 0, 1+len(data))
		b = append(b, byte(class))
		return c.sendDatagram(append(b, data...))
	case types.SequencedUnreliable:
		b := make([]byte, 0, 5+len(data))
		b = append(b, byte(class))
		b = binary.BigEndian.AppendUint32(b, c.seqOut.Next())
		return c.sendDatagram(append(b, data...))
	default:
		frame := make([]byte, 0, 4+len(data))
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
		frame = append(frame, data...)
		c.pending.Add(1)
		select {
		case c.sendq <- frame:
			return nil
		default:
			c.pending.Add(-1)
			return ErrSendBufferFull
		}
	}
}

func (c *conn) sendDatagram(b []byte) error {
	if err := c.qc.SendDatagram(b); err != nil {
		return mapError(err)
	}
	return nil
}

// Flush 等待已排队的可靠有序帧写入 QUIC 流
func (c *conn) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-c.closing:
			return types.ErrConnectionClosed
		case <-c.remoteClosed:
			return types.ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close 关闭连接，等待分发协程退出后返回
//
// 不得在回调内部调用。
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.qc.CloseWithError(codeClosed, "closed")
		c.t.untrack(c)
	})
	c.readers.Wait()
	<-c.done
	return nil
}

// fail 因远端关闭或传输错误终止连接
func (c *conn) fail(err error) {
	select {
	case <-c.closing:
		return
	default:
	}
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = mapError(err)
		c.mu.Unlock()
		close(c.remoteClosed)
		c.t.untrack(c)
	})
}

func (c *conn) writer() {
	defer c.readers.Done()
	for {
		select {
		case frame := <-c.sendq:
			_, err := c.stream.Write(frame)
			c.pending.Add(-1)
			if err != nil {
				c.fail(err)
				return
			}
		case <-c.closing:
			return
		case <-c.remoteClosed:
			return
		}
	}
}

func (c *conn) streamReader() {
	defer c.readers.Done()

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(c.stream, hdr[:]); err != nil {
			c.fail(err)
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameSize {
			c.fail(fmt.Errorf("frame of %d bytes exceeds limit", n))
			c.qc.CloseWithError(codeRejected, "frame too large")
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(c.stream, data); err != nil {
			c.fail(err)
			return
		}
		// 流控背压：分发队列满时阻塞读取
		select {
		case c.events <- event{data: data, class: types.ReliableOrdered}:
		case <-c.closing:
			return
		}
	}
}

func (c *conn) datagramReader() {
	defer c.readers.Done()

	ctx := c.qc.Context()
	for {
		b, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
			c.fail(err)
			return
		}
		if len(b) < 1 {
			continue
		}
		class := types.DeliveryClass(b[0])
		switch class {
		case types.Unreliable:
			c.enqueue(event{data: b[1:], class: class})
		case types.SequencedUnreliable:
			if len(b) < 5 {
				continue
			}
			if c.seqIn.Accept(binary.BigEndian.Uint32(b[1:5])) {
				c.enqueue(event{data: b[5:], class: class})
			}
		}
	}
}

// enqueue 不可靠数据在队列满时丢弃
func (c *conn) enqueue(ev event) {
	select {
	case c.events <- ev:
	default:
		logger.Debug("分发队列已满，丢弃数据报", "conn", c.ID(), "class", ev.class)
	}
}

func (c *conn) dispatch() {
	defer close(c.done)

	select {
	case <-c.handlerSet:
	case <-c.closing:
		return
	}
	h := c.handler

	for {
		select {
		case <-c.closing:
			return
		default:
		}

		select {
		case ev := <-c.events:
			h.DataReceived(ev.data, ev.class)
		case <-c.remoteClosed:
			c.drain(h)
			c.mu.Lock()
			err := c.closeErr
			c.mu.Unlock()
			h.ConnectionClosed(err)
			<-c.closing
			return
		case <-c.closing:
			return
		}
	}
}

func (c *conn) drain(h interfaces.ConnHandler) {
	for {
		select {
		case ev := <-c.events:
			h.DataReceived(ev.data, ev.class)
		default:
			return
		}
	}
}
