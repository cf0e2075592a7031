package zonerpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/introspect"
	"github.com/dep2p/go-zonerpc/internal/core/server"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Server 区域服务器
//
// 权威持有一个区域，接受客户端连接，把请求交给 Invoker 执行，
// 并周期推送状态。
type Server struct {
	cfg *config.Config
	app *fx.App

	srv       *server.Server
	transport interfaces.Transport

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewServer 创建服务器，invoker 负责执行请求
func NewServer(invoker interfaces.Invoker, opts ...Option) (*Server, error) {
	if invoker == nil {
		return nil, fmt.Errorf("%w: nil invoker", ErrInvalidOption)
	}
	o := newOptions()
	if err := o.apply(opts); err != nil {
		return nil, err
	}
	cfg, err := o.toConfig()
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg}
	s.app = buildServerApp(o, cfg, invoker, &s.srv, &s.transport)
	if err := s.app.Err(); err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}
	return s, nil
}

// Start 绑定传输并开始接受连接
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	if err := s.app.Start(ctx); err != nil {
		s.closed = true
		return fmt.Errorf("start server: %w", err)
	}
	s.started = true
	return nil
}

// Stop 排空所有连接后关闭传输
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.started {
		return nil
	}
	return s.app.Stop(ctx)
}

// Close 以配置的宽限期停止
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Router.ShutdownGrace.Duration()+s.cfg.Connection.DrainTimeout.Duration())
	defer cancel()
	return s.Stop(ctx)
}

// Push 向所有已连接的客户端推送状态，返回发送的连接数
func (s *Server) Push(topic string, payload []byte) int {
	return s.srv.Push(topic, payload)
}

// UpdateManifest 替换 manifest 并通知所有客户端
func (s *Server) UpdateManifest(m *Manifest) error {
	return s.srv.UpdateManifest(m)
}

// Manifest 返回当前 manifest
func (s *Server) Manifest() *Manifest {
	return s.srv.Manifest()
}

// Connections 返回当前客户端连接
func (s *Server) Connections() []*connection.Connection {
	return s.srv.Connections()
}

// Info 返回可登记到区域目录的服务器信息
func (s *Server) Info() types.ServerInfo {
	return types.ServerInfo{
		ServerID: s.cfg.Server.ServerID,
		Endpoint: s.transport.LocalEndpoint(),
		ZoneID:   types.ZoneID(s.cfg.Server.Zone),
	}
}

// LocalEndpoint 返回本地传输端点，启动前为零值
func (s *Server) LocalEndpoint() types.Endpoint {
	return s.transport.LocalEndpoint()
}

// Snapshot 返回诊断快照，实现 introspect.Source
func (s *Server) Snapshot() Snapshot {
	return Snapshot{
		Role:        "server",
		ID:          s.cfg.Server.ServerID,
		Zone:        types.ZoneID(s.cfg.Server.Zone),
		Local:       s.transport.LocalEndpoint().String(),
		Connections: introspect.Describe(s.srv.Connections()),
		Interfaces:  s.srv.Manifest().Interfaces(),
		TakenAt:     time.Now(),
	}
}

// Config 返回生效的配置
func (s *Server) Config() *config.Config {
	return s.cfg
}
