package resilience

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Transition 一次已提交的区域切换
type Transition struct {
	From types.ZoneID
	To   types.ZoneID
	At   time.Time
}

// TransitionDetector 去抖的区域切换检测
//
// 候选区域满足以下条件才会提交：
//  1. 与已提交区域不同
//  2. 越过边界进入候选区域至少 ReentryThreshold，回到原区域同样适用
//  3. 持续满足 1、2 至少 ConfirmDelay
//  4. 滚动窗口 (now-RateWindow, now] 内已提交的切换少于 RateCount；
//     超限后进入 Cooldown，期间不接受任何切换
type TransitionDetector struct {
	cfg   TransitionConfig
	geom  interfaces.ZoneGeometry
	clock clock.Clock

	mu             sync.Mutex
	committed      types.ZoneID
	candidate      types.ZoneID
	candidateSince time.Time
	cooldownUntil  time.Time

	// commits 最近 RateCount 次提交时间的环形缓冲，next 指向最早的一次
	commits []time.Time
	next    int
}

// NewTransitionDetector 创建检测器，initial 为初始已提交区域
func NewTransitionDetector(cfg TransitionConfig, geom interfaces.ZoneGeometry, clk clock.Clock, initial types.ZoneID) *TransitionDetector {
	if clk == nil {
		clk = clock.New()
	}
	count := cfg.RateCount
	if count < 1 {
		count = 1
	}
	return &TransitionDetector{
		cfg:       cfg,
		geom:      geom,
		clock:     clk,
		committed: initial,
		candidate: types.NoZone,
		commits:   make([]time.Time, count),
	}
}

// Committed 返回已提交区域
func (d *TransitionDetector) Committed() types.ZoneID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

// Reset 直接设置已提交区域并清除候选，不消耗速率配额
func (d *TransitionDetector) Reset(zone types.ZoneID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.committed = zone
	d.candidate = types.NoZone
}

// CoolingDown 是否处于冷却期
func (d *TransitionDetector) CoolingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Now().Before(d.cooldownUntil)
}

// Observe 输入一个位置样本，满足条件时提交并返回切换
func (d *TransitionDetector) Observe(pos types.Position) (Transition, bool) {
	now := d.clock.Now()
	raw, inside := d.geom.ZoneAt(pos)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !inside || raw == d.committed {
		d.candidate = types.NoZone
		return Transition{}, false
	}
	if !d.committed.Valid() {
		return d.commitLocked(raw, now), true
	}
	if d.geom.Penetration(pos, raw) < d.cfg.ReentryThreshold {
		d.candidate = types.NoZone
		return Transition{}, false
	}
	if d.candidate != raw {
		d.candidate = raw
		d.candidateSince = now
	}
	if now.Sub(d.candidateSince) < d.cfg.ConfirmDelay {
		return Transition{}, false
	}
	if now.Before(d.cooldownUntil) {
		return Transition{}, false
	}
	if d.saturatedLocked(now) {
		d.cooldownUntil = now.Add(d.cfg.Cooldown)
		logger.Warn("区域切换过于频繁，进入冷却", "candidate", raw, "cooldown", d.cfg.Cooldown)
		return Transition{}, false
	}
	return d.commitLocked(raw, now), true
}

// CommitsWithin 返回滚动窗口内已提交的切换次数
func (d *TransitionDetector) CommitsWithin() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	n := 0
	for _, at := range d.commits {
		if d.inWindow(at, now) {
			n++
		}
	}
	return n
}

// saturatedLocked 窗口内已有 RateCount 次提交
//
// 环形缓冲只保留最近 RateCount 次，最早的一次仍在窗口内即为饱和。
func (d *TransitionDetector) saturatedLocked(now time.Time) bool {
	if d.cfg.RateWindow <= 0 {
		return false
	}
	return d.inWindow(d.commits[d.next], now)
}

func (d *TransitionDetector) inWindow(at, now time.Time) bool {
	return !at.IsZero() && now.Sub(at) < d.cfg.RateWindow
}

func (d *TransitionDetector) commitLocked(zone types.ZoneID, now time.Time) Transition {
	tr := Transition{From: d.committed, To: zone, At: now}
	d.commits[d.next] = now
	d.next = (d.next + 1) % len(d.commits)
	d.committed = zone
	d.candidate = types.NoZone
	return tr
}
