package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// ReconnectFunc 执行一次重连尝试
type ReconnectFunc func(ctx context.Context, info types.ServerInfo) error

// GiveUpHandler 放弃重连时回调
type GiveUpHandler func(info types.ServerInfo, err error)

// ReconnectStats 单个服务器的重连统计
type ReconnectStats struct {
	// Active 是否有重连会话正在进行
	Active bool

	// Attempts 当前（或最近一次）会话的尝试次数
	Attempts int

	// Delays 当前（或最近一次）会话每次尝试前的退避间隔
	Delays []time.Duration

	// Successes、Failures 健康窗口内的结果计数
	Successes int
	Failures  int

	LastError error
}

type serverRecord struct {
	window   *outcomeWindow
	cancel   context.CancelFunc
	attempts int
	delays   []time.Duration
	lastErr  error
}

// Supervisor 重连监督器
//
// 每个服务器同一时刻最多一个重连会话。退避间隔严格递增直到 MaxBackoff，
// 不可恢复的错误（握手拒绝、重复连接、无路由）不重试。
type Supervisor struct {
	cfg       ReconnectConfig
	clock     clock.Clock
	reconnect ReconnectFunc
	metrics   metrics.Reporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	records map[string]*serverRecord
	giveUp  []GiveUpHandler
}

// NewSupervisor 创建重连监督器
func NewSupervisor(cfg ReconnectConfig, clk clock.Clock, reconnect ReconnectFunc, reporter metrics.Reporter) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		clock:     clk,
		reconnect: reconnect,
		metrics:   metrics.OrNop(reporter),
		ctx:       ctx,
		cancel:    cancel,
		records:   make(map[string]*serverRecord),
	}
}

// OnGiveUp 注册放弃回调
func (s *Supervisor) OnGiveUp(fn GiveUpHandler) {
	s.mu.Lock()
	s.giveUp = append(s.giveUp, fn)
	s.mu.Unlock()
}

// Backoff 第 attempt 次尝试（从 1 开始）前的退避间隔
//
// InitialBackoff * BackoffFactor^(attempt-1)，上限 MaxBackoff。
func (c ReconnectConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.BackoffFactor
		if backoff >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if d := time.Duration(backoff); d < c.MaxBackoff {
		return d
	}
	return c.MaxBackoff
}

// Trigger 为失效的服务器启动重连会话
//
// 返回 false 表示未启动：已有会话在进行、监督器已停止，
// 或 cause 不可恢复（此时立即回调放弃）。
func (s *Supervisor) Trigger(info types.ServerInfo, cause error) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !types.IsRecoverable(cause) {
		logger.Warn("错误不可恢复，不重连", "server", info.ServerID, "error", cause)
		s.metrics.Reconnect(metrics.OutcomeGiveUp)
		s.notifyGiveUp(info, cause)
		return false
	}

	s.mu.Lock()
	rec := s.recordLocked(info.ServerID)
	if rec.cancel != nil {
		s.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	rec.cancel = cancel
	rec.attempts = 0
	rec.delays = nil
	rec.lastErr = cause
	s.wg.Add(1)
	s.mu.Unlock()

	logger.Info("开始重连", "server", info.ServerID, "cause", cause)
	go s.run(ctx, info, cause)
	return true
}

// Cancel 取消服务器的重连会话
func (s *Supervisor) Cancel(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverID]; ok && rec.cancel != nil {
		rec.cancel()
	}
}

// Active 服务器是否有重连会话正在进行
func (s *Supervisor) Active(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverID]
	return ok && rec.cancel != nil
}

// NotifySuccess 记录一次会话之外的成功连接
func (s *Supervisor) NotifySuccess(serverID string) {
	s.record(serverID, nil)
}

// Stats 返回服务器的重连统计
func (s *Supervisor) Stats(serverID string) ReconnectStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverID]
	if !ok {
		return ReconnectStats{}
	}
	succ, fail := rec.window.counts(s.clock.Now())
	return ReconnectStats{
		Active:    rec.cancel != nil,
		Attempts:  rec.attempts,
		Delays:    append([]time.Duration(nil), rec.delays...),
		Successes: succ,
		Failures:  fail,
		LastError: rec.lastErr,
	}
}

// Stop 取消所有会话并等待退出
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ============================================================================
//                              重连会话
// ============================================================================

func (s *Supervisor) run(ctx context.Context, info types.ServerInfo, cause error) {
	defer s.wg.Done()
	defer s.finish(info.ServerID)

	lastErr := cause
	for attempt := 1; ; attempt++ {
		if attempt > s.cfg.MaxAttempts {
			s.abandon(info, fmt.Errorf("%w: %d attempts: %w", ErrGaveUp, s.cfg.MaxAttempts, lastErr))
			return
		}

		delay := s.cfg.Backoff(attempt)
		s.mu.Lock()
		rec := s.recordLocked(info.ServerID)
		rec.attempts = attempt
		rec.delays = append(rec.delays, delay)
		s.mu.Unlock()

		timer := s.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := s.reconnect(ctx, info)
		if ctx.Err() != nil {
			return
		}
		s.record(info.ServerID, err)
		if err == nil {
			s.metrics.Reconnect(metrics.OutcomeOK)
			logger.Info("重连成功", "server", info.ServerID, "attempts", attempt)
			return
		}
		s.metrics.Reconnect(metrics.OutcomeError)
		logger.Debug("重连失败", "server", info.ServerID, "attempt", attempt, "backoff", delay, "error", err)
		lastErr = err

		if !types.IsRecoverable(err) {
			s.abandon(info, err)
			return
		}
		if ratio, unhealthy := s.unhealthy(info.ServerID); unhealthy {
			s.abandon(info, fmt.Errorf("%w: failure ratio %.2f: %w", ErrGaveUp, ratio, err))
			return
		}
	}
}

func (s *Supervisor) finish(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[serverID]; ok && rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
}

func (s *Supervisor) abandon(info types.ServerInfo, err error) {
	logger.Warn("放弃重连", "server", info.ServerID, "error", err)
	s.metrics.Reconnect(metrics.OutcomeGiveUp)
	s.mu.Lock()
	if rec, ok := s.records[info.ServerID]; ok {
		rec.lastErr = err
	}
	s.mu.Unlock()
	s.notifyGiveUp(info, err)
}

func (s *Supervisor) notifyGiveUp(info types.ServerInfo, err error) {
	s.mu.Lock()
	handlers := append([]GiveUpHandler(nil), s.giveUp...)
	s.mu.Unlock()
	for _, fn := range handlers {
		go func(fn GiveUpHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("放弃回调 panic", "server", info.ServerID, "panic", r)
				}
			}()
			fn(info, err)
		}(fn)
	}
}

// ============================================================================
//                              健康统计
// ============================================================================

func (s *Supervisor) recordLocked(serverID string) *serverRecord {
	rec, ok := s.records[serverID]
	if !ok {
		rec = &serverRecord{window: newOutcomeWindow(s.cfg.HealthWindow, s.clock.Now())}
		s.records[serverID] = rec
	}
	return rec
}

func (s *Supervisor) record(serverID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(serverID)
	rec.window.record(s.clock.Now(), err == nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		rec.lastErr = err
	}
}

// unhealthy 样本数达到 MinSamples 且失败比例超过 MaxFailureRatio
func (s *Supervisor) unhealthy(serverID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverID]
	if !ok || s.cfg.MaxFailureRatio <= 0 {
		return 0, false
	}
	succ, fail := rec.window.counts(s.clock.Now())
	total := succ + fail
	if total == 0 || total < s.cfg.MinSamples {
		return 0, false
	}
	ratio := float64(fail) / float64(total)
	return ratio, ratio > s.cfg.MaxFailureRatio
}
