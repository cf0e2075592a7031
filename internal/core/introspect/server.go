// Package introspect 提供本地自省 HTTP 服务
//
// 该服务运行在本地端口，提供 JSON 格式的诊断信息，用于调试和监控。
// 默认绑定到 127.0.0.1，不暴露到网络。
//
// 端点：
//   - GET /debug/introspect             - 完整快照 (JSON)
//   - GET /debug/introspect/connections - 连接信息，可按 state / peer 过滤
//   - GET /metrics                      - Prometheus 指标（提供 Gatherer 时）
//   - GET /health                       - 健康检查（客户端无已建立连接时为 degraded）
//   - GET /debug/pprof/*                - Go pprof 端点
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/introspect")

// DefaultAddr 默认监听地址
const DefaultAddr = "127.0.0.1:6060"

// Source 快照来源，客户端与服务器门面都实现它
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc 函数适配器
type SourceFunc func() Snapshot

// Snapshot 实现 Source
func (f SourceFunc) Snapshot() Snapshot { return f() }

// Config 服务配置
type Config struct {
	// Addr 监听地址，默认 "127.0.0.1:6060"
	Addr string

	// Source 必需的快照来源
	Source Source

	// Gatherer 可选的指标来源
	Gatherer prometheus.Gatherer
}

// Server 本地自省 HTTP 服务
type Server struct {
	source   Source
	gatherer prometheus.Gatherer
	addr     string

	server   *http.Server
	listener net.Listener

	running bool
	mu      sync.Mutex
}

// New 创建自省服务
func New(cfg Config) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		source:   cfg.Source,
		gatherer: cfg.Gatherer,
		addr:     addr,
	}
}

// Start 启动服务
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.source == nil {
		return errors.New("introspect: source is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/introspect", s.handleSnapshot)
	mux.HandleFunc("GET /debug/introspect/connections", s.handleConnections)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("自省服务异常退出", "error", err)
		}
	}()

	s.running = true
	logger.Info("自省服务已启动", "addr", listener.Addr().String())
	return nil
}

// Stop 停止服务
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error("关闭自省服务失败", "error", err)
		return err
	}

	s.running = false
	logger.Info("自省服务已停止")
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ============================================================================
//                              HTTP 处理器
// ============================================================================

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.source.Snapshot())
}

// handleConnections 支持 ?state=connected 与 ?peer=zone-3 过滤
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	state, peer := r.URL.Query().Get("state"), r.URL.Query().Get("peer")
	conns := make([]ConnectionInfo, 0)
	for _, c := range s.source.Snapshot().Connections {
		if (state == "" || c.State == state) && (peer == "" || c.Peer == peer) {
			conns = append(conns, c)
		}
	}
	writeJSON(w, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

// handleHealth 有至少一条已建立连接时为 ok，否则为 degraded；HTTP 状态总是 200
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()
	established := 0
	for _, c := range snap.Connections {
		if c.State == types.StateConnected.String() {
			established++
		}
	}
	status := "ok"
	if snap.Role == "client" && established == 0 {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":      status,
		"role":        snap.Role,
		"id":          snap.ID,
		"established": established,
		"timestamp":   time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Debug("编码响应失败", "error", err)
	}
}
