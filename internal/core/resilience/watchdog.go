package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Watchdog 卡死检测
//
// 服务器收到第一条状态推送后才开始监控。之后连接处于 Connected
// 但超过 StallThreshold 没有新推送，或停留在 HandshakePending 超过
// HandshakeStall，即判定卡死。
type Watchdog struct {
	cfg   WatchdogConfig
	clock clock.Clock

	mu       sync.Mutex
	lastPush map[string]time.Time
	pending  map[string]time.Time
}

// NewWatchdog 创建看门狗
func NewWatchdog(cfg WatchdogConfig, clk clock.Clock) *Watchdog {
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{
		cfg:      cfg,
		clock:    clk,
		lastPush: make(map[string]time.Time),
		pending:  make(map[string]time.Time),
	}
}

// Observe 记录一次状态推送
func (w *Watchdog) Observe(serverID string) {
	w.mu.Lock()
	w.lastPush[serverID] = w.clock.Now()
	w.mu.Unlock()
}

// Reset 重连后清除记录，等待新连接的第一条推送
func (w *Watchdog) Reset(serverID string) {
	w.mu.Lock()
	delete(w.lastPush, serverID)
	delete(w.pending, serverID)
	w.mu.Unlock()
}

// Forget 不再监控该服务器
func (w *Watchdog) Forget(serverID string) {
	w.Reset(serverID)
}

// Armed 是否已收到过推送
func (w *Watchdog) Armed(serverID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.lastPush[serverID]
	return ok
}

// Check 检查连接是否卡死，卡死时返回包装 types.ErrStalled 的错误
func (w *Watchdog) Check(serverID string, state types.ConnState) error {
	if !w.cfg.Enabled {
		return nil
	}
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	switch state {
	case types.StateHandshakePending:
		since, ok := w.pending[serverID]
		if !ok {
			w.pending[serverID] = now
			return nil
		}
		if w.cfg.HandshakeStall > 0 && now.Sub(since) > w.cfg.HandshakeStall {
			return fmt.Errorf("%w: handshake pending for %s", types.ErrStalled, now.Sub(since))
		}
		return nil
	case types.StateConnected:
		delete(w.pending, serverID)
		last, ok := w.lastPush[serverID]
		if !ok {
			return nil
		}
		if silent := now.Sub(last); silent > w.cfg.StallThreshold {
			return fmt.Errorf("%w: no push for %s", types.ErrStalled, silent)
		}
		return nil
	default:
		delete(w.pending, serverID)
		return nil
	}
}
