package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/internal/core/wire"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/server")

// StateTopic 默认状态推送的主题
const StateTopic = "zone.state"

// StateFunc 生成一次状态推送，ok 为 false 时本周期不推送
type StateFunc func(now time.Time) (topic string, payload []byte, ok bool)

// Option 服务器选项
type Option func(*Server)

// WithManifest 设置初始 manifest
func WithManifest(m *manifest.Manifest) Option {
	return func(s *Server) { s.man = m }
}

// WithTokenValidator 设置令牌校验钩子
func WithTokenValidator(v interfaces.TokenValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithAdmitter 设置请求准入钩子
func WithAdmitter(a interfaces.RequestAdmitter) Option {
	return func(s *Server) { s.admitter = a }
}

// WithPayloadPolicy 设置载荷检查钩子
func WithPayloadPolicy(p interfaces.PayloadPolicy) Option {
	return func(s *Server) { s.payload = p }
}

// WithStateFunc 设置周期推送的状态来源
func WithStateFunc(fn StateFunc) Option {
	return func(s *Server) { s.state = fn }
}

// WithMetrics 设置指标上报器
func WithMetrics(r metrics.Reporter) Option {
	return func(s *Server) { s.metrics = r }
}

// WithClock 设置时钟
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// cacheEntry 一个请求的执行结果；done 关闭后 resp 可读
type cacheEntry struct {
	done chan struct{}
	resp *wire.Response
}

// Server 区域服务器
type Server struct {
	cfg       Config
	transport interfaces.Transport
	invoker   interfaces.Invoker
	validator interfaces.TokenValidator
	admitter  interfaces.RequestAdmitter
	payload   interfaces.PayloadPolicy
	state     StateFunc
	metrics   metrics.Reporter
	clock     clock.Clock

	cacheMu sync.Mutex
	cache   *lru.Cache[uuid.UUID, *cacheEntry]

	mu      sync.RWMutex
	man     *manifest.Manifest
	conns   map[string]*connection.Connection
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建服务器
func New(cfg Config, tr interfaces.Transport, invoker interfaces.Invoker, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil || invoker == nil {
		return nil, fmt.Errorf("%w: transport and invoker are required", ErrInvalidConfig)
	}
	cache, err := lru.New[uuid.UUID, *cacheEntry](cfg.ResponseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		transport: tr,
		invoker:   invoker,
		clock:     clock.New(),
		cache:     cache,
		conns:     make(map[string]*connection.Connection),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrNop(s.metrics)
	if s.man == nil {
		s.man = manifest.Empty()
	}
	if s.state == nil {
		s.state = s.defaultState
	}
	return s, nil
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 开始接受连接并启动状态推送
//
// 传输由其所有者启动。
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	s.transport.SetEstablishedHandler(s.accept)
	if s.cfg.PushInterval > 0 {
		s.wg.Add(1)
		go s.pushLoop()
	}

	logger.Info("区域服务器已启动", "server", s.cfg.ServerID, "zone", s.cfg.Zone, "transport", s.transport.Name())
	return nil
}

// Stop 停止接受连接，排空现有连接，宽限期结束后强制关闭
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()

	if s.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
	}

	logger.Info("停止区域服务器", "server", s.cfg.ServerID, "connections", len(conns))

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			return c.Drain(ctx, "server shutdown")
		})
	}
	err := g.Wait()
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	s.wg.Wait()
	return err
}

// ============================================================================
//                              连接
// ============================================================================

// accept 传输层入站连接回调，握手在独立协程中进行
func (s *Server) accept(tc interfaces.TransportConn) {
	if !s.track() {
		tc.Close()
		return
	}
	go func() {
		defer s.wg.Done()

		c, err := connection.Accept(s.ctx, tc, connection.AcceptParams{
			Config:    s.cfg.Connection,
			Clock:     s.clock,
			Validator: s.validator,
			Manifest:  s.Manifest(),
			ServerID:  s.cfg.ServerID,
			Zone:      s.cfg.Zone,
			Callbacks: connection.Callbacks{
				OnStateChange: func(_ *connection.Connection, from, to types.ConnState, _ error) {
					s.metrics.ConnectionState(from, to)
				},
				OnRequest: s.onRequest,
				OnGoodbye: func(c *connection.Connection, reason string) {
					logger.Debug("客户端进入排空", "conn", log.TruncateID(c.ID(), 8), "reason", reason)
				},
			},
		})
		if err != nil {
			logger.Debug("握手失败", "remote", tc.RemoteEndpoint().String(), "error", err)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c.ID()] = c
		s.mu.Unlock()

		logger.Info("客户端已连接", "client", c.PeerID(), "conn", log.TruncateID(c.ID(), 8))
		<-c.Done()

		s.mu.Lock()
		delete(s.conns, c.ID())
		s.mu.Unlock()
		logger.Debug("客户端连接结束", "client", c.PeerID(), "conn", log.TruncateID(c.ID(), 8), "error", c.Err())
	}()
}

// track 服务器未停止时登记一个后台协程
func (s *Server) track() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Connections 返回当前连接，按 ID 排序
func (s *Server) Connections() []*connection.Connection {
	s.mu.RLock()
	out := make([]*connection.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Manifest 返回当前 manifest
func (s *Server) Manifest() *manifest.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.man
}

// UpdateManifest 替换 manifest 并通知所有连接
func (s *Server) UpdateManifest(m *manifest.Manifest) error {
	if m == nil {
		m = manifest.Empty()
	}
	s.mu.Lock()
	s.man = m
	s.mu.Unlock()

	var err error
	for _, c := range s.Connections() {
		if st := c.State(); st != types.StateConnected {
			continue
		}
		err = multierr.Append(err, c.UpdateManifest(m))
	}
	logger.Info("更新 manifest", "server", s.cfg.ServerID, "version", m.Version(), "interfaces", m.Len())
	return err
}

// Push 向所有已连接的客户端推送状态，返回成功发送的连接数
func (s *Server) Push(topic string, payload []byte) int {
	sent := 0
	for _, c := range s.Connections() {
		if c.State() != types.StateConnected {
			continue
		}
		if err := c.Push(topic, payload); err != nil {
			logger.Debug("推送失败", "conn", log.TruncateID(c.ID(), 8), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) pushLoop() {
	defer s.wg.Done()
	tk := s.clock.Ticker(s.cfg.PushInterval)
	defer tk.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-tk.C:
			if topic, payload, ok := s.state(now); ok {
				s.Push(topic, payload)
			}
		}
	}
}

// defaultState 推送时间戳，仅作为存活信号
func (s *Server) defaultState(now time.Time) (string, []byte, bool) {
	return StateTopic, []byte(now.UTC().Format(time.RFC3339Nano)), true
}
