package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/transport/quic")

const (
	prefaceByte byte = 'Z'
	ackByte     byte = 'A'
)

// 确保实现了接口
var _ interfaces.Transport = (*Transport)(nil)

// Transport QUIC 线路传输
//
// 使用共享的 UDP socket 进行监听和拨号。
type Transport struct {
	cfg           config.TransportConfig
	serverTLSConf *tls.Config
	clientTLSConf *tls.Config
	quicConf      *quic.Config

	mu            sync.Mutex
	udpConn       *net.UDPConn
	quicTransport *quic.Transport
	listener      *quic.Listener
	local         types.Endpoint
	established   interfaces.EstablishedHandler
	conns         map[*conn]struct{}
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建 QUIC 传输
func New(cfg config.TransportConfig) (*Transport, error) {
	serverTLS, clientTLS, err := newTLSConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:           cfg,
		serverTLSConf: serverTLS,
		clientTLSConf: clientTLS,
		quicConf: &quic.Config{
			HandshakeIdleTimeout: cfg.HandshakeTimeout.Duration(),
			MaxIdleTimeout:       cfg.QUICIdleTimeout.Duration(),
			KeepAlivePeriod:      cfg.QUICKeepAlive.Duration(),
			MaxIncomingStreams:   4,
			EnableDatagrams:      true,
		},
		conns:  make(map[*conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Name 返回传输名称
func (t *Transport) Name() string {
	return config.TransportQUIC
}

// Start 绑定共享 UDP socket 并开始接受连接
func (t *Transport) Start(bind types.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.udpConn != nil {
		return ErrAlreadyStarted
	}

	udpAddr, err := bind.UDPAddr()
	if err != nil {
		return fmt.Errorf("parse address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	qt := &quic.Transport{Conn: udpConn}
	ln, err := qt.Listen(t.serverTLSConf, t.quicConf)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("listen: %w", err)
	}
	local, err := types.ParseEndpoint(udpConn.LocalAddr().String())
	if err != nil {
		ln.Close()
		udpConn.Close()
		return fmt.Errorf("local endpoint: %w", err)
	}

	t.udpConn = udpConn
	t.quicTransport = qt
	t.listener = ln
	t.local = local

	t.wg.Add(1)
	go t.acceptLoop(ln)

	logger.Info("QUIC 传输已启动", "local", local.String())
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

// Connect 拨号并完成流前导握手
func (t *Transport) Connect(ctx context.Context, remote types.Endpoint, timeout time.Duration) (interfaces.TransportConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	qt := t.quicTransport
	t.mu.Unlock()
	if qt == nil {
		return nil, ErrNotStarted
	}

	udpAddr, err := remote.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if timeout <= 0 {
		timeout = t.cfg.HandshakeTimeout.Duration()
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	qc, err := qt.Dial(dctx, udpAddr, t.clientTLSConf, t.quicConf)
	if err != nil {
		return nil, t.dialError(ctx, remote, err)
	}

	st, err := qc.OpenStreamSync(dctx)
	if err != nil {
		qc.CloseWithError(codeClosed, "open stream failed")
		return nil, t.dialError(ctx, remote, err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		st.SetDeadline(deadline)
	}
	if _, err := st.Write([]byte{prefaceByte}); err != nil {
		qc.CloseWithError(codeClosed, "write preface failed")
		return nil, t.dialError(ctx, remote, err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(st, ack[:]); err != nil {
		qc.CloseWithError(codeClosed, "read ack failed")
		return nil, t.dialError(ctx, remote, err)
	}
	if ack[0] != ackByte {
		qc.CloseWithError(codeRejected, "bad ack")
		return nil, fmt.Errorf("%w: %s: %v", types.ErrTransportRejected, remote, ErrBadPreface)
	}
	st.SetDeadline(time.Time{})

	c := newConn(t, qc, st)
	if !t.track(c) {
		qc.CloseWithError(codeClosed, "transport closed")
		return nil, ErrTransportClosed
	}
	c.start()
	logger.Debug("QUIC 连接已建立", "conn", c.ID())
	return c, nil
}

// dialError 调用方取消时保留 context.Canceled，其余按传输错误分类
func (t *Transport) dialError(ctx context.Context, remote types.Endpoint, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", types.ErrTransportTimeout, remote, err)
	}
	return fmt.Errorf("%s: %w", remote, mapError(err))
}

// Close 关闭传输及所有连接
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()
	conns := make([]*conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	ln, qt, udpConn := t.listener, t.quicTransport, t.udpConn
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if ln != nil {
		ln.Close()
	}
	if qt != nil {
		qt.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) track(c *conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[c] = struct{}{}
	return true
}

func (t *Transport) untrack(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, c)
}

func (t *Transport) acceptLoop(ln *quic.Listener) {
	defer t.wg.Done()

	for {
		qc, err := ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				logger.Debug("接受 QUIC 连接失败", "error", err)
			}
			return
		}
		t.wg.Add(1)
		go t.handshake(qc)
	}
}

// handshake 接受方读取前导字节并回写确认
func (t *Transport) handshake(qc *quic.Conn) {
	defer t.wg.Done()

	t.mu.Lock()
	handler := t.established
	t.mu.Unlock()
	if handler == nil {
		qc.CloseWithError(codeRejected, "no established handler")
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout.Duration())
	defer cancel()

	st, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(codeClosed, "accept stream failed")
		return
	}
	if deadline, ok := ctx.Deadline(); ok {
		st.SetDeadline(deadline)
	}
	var preface [1]byte
	if _, err := io.ReadFull(st, preface[:]); err != nil || preface[0] != prefaceByte {
		qc.CloseWithError(codeRejected, "bad preface")
		return
	}
	if _, err := st.Write([]byte{ackByte}); err != nil {
		qc.CloseWithError(codeClosed, "write ack failed")
		return
	}
	st.SetDeadline(time.Time{})

	c := newConn(t, qc, st)
	if !t.track(c) {
		qc.CloseWithError(codeClosed, "transport closed")
		return
	}
	c.start()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("入站连接回调 panic", "conn", c.ID(), "panic", r)
			}
		}()
		handler(c)
	}()
}
