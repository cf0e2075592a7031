package resilience

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// WarmDialer 建立与拆除暖连接
type WarmDialer interface {
	// OpenWarm 建立到区域服务器的连接，返回服务器 ID
	OpenWarm(ctx context.Context, zone types.ZoneID) (string, error)

	// CloseWarm 拆除暖连接
	CloseWarm(zone types.ZoneID, serverID string)
}

// BackoffFunc 第 failures 次连续失败后的重试间隔
type BackoffFunc func(failures int) time.Duration

// warmRetry 区域的连续失败记录
type warmRetry struct {
	failures int
	next     time.Time
}

// WarmSet 预建立连接集合
//
// D1 内的相邻区域建立连接，超出 D2 拆除。两条距离带之间保持现状。
// 建立连接在后台进行，调用方不等待；失败的区域按退避间隔重试。
type WarmSet struct {
	cfg     WarmConfig
	geom    interfaces.ZoneGeometry
	dialer  WarmDialer
	clock   clock.Clock
	backoff BackoffFunc

	mu      sync.Mutex
	warm    map[types.ZoneID]string
	dialing map[types.ZoneID]struct{}
	retry   map[types.ZoneID]warmRetry

	// 最近一次评估的位置与权威区域，后台建立完成时据此判断是否仍需要
	pos           types.Position
	authoritative types.ZoneID
	evaluated     bool

	wg sync.WaitGroup
}

// NewWarmSet 创建暖连接集合
//
// clk 为 nil 时使用系统时钟；backoff 为 nil 时失败的区域在下一个周期重试。
func NewWarmSet(cfg WarmConfig, geom interfaces.ZoneGeometry, dialer WarmDialer, clk clock.Clock, backoff BackoffFunc) *WarmSet {
	if clk == nil {
		clk = clock.New()
	}
	if backoff == nil {
		backoff = func(int) time.Duration { return 0 }
	}
	return &WarmSet{
		cfg:           cfg,
		geom:          geom,
		dialer:        dialer,
		clock:         clk,
		backoff:       backoff,
		warm:          make(map[types.ZoneID]string),
		dialing:       make(map[types.ZoneID]struct{}),
		retry:         make(map[types.ZoneID]warmRetry),
		authoritative: types.NoZone,
	}
}

// Evaluate 按位置调整暖连接，返回开始建立与已拆除的区域
//
// authoritative 为当前权威区域，不会被预建立或拆除。建立连接在后台进行，
// 正在建立或处于退避中的区域本轮跳过。
func (w *WarmSet) Evaluate(ctx context.Context, pos types.Position, authoritative types.ZoneID) (dialing, closed []types.ZoneID) {
	closed = w.Cleanup(pos, authoritative)
	if !w.cfg.Enabled {
		return nil, closed
	}

	now := w.clock.Now()
	w.mu.Lock()
	for _, z := range w.geom.NeighborsWithin(pos, w.cfg.OpenDistance) {
		if z == authoritative {
			continue
		}
		if _, ok := w.warm[z]; ok {
			continue
		}
		if _, ok := w.dialing[z]; ok {
			continue
		}
		if r, ok := w.retry[z]; ok && now.Before(r.next) {
			continue
		}
		w.dialing[z] = struct{}{}
		dialing = append(dialing, z)
	}
	w.mu.Unlock()

	for _, z := range dialing {
		w.wg.Add(1)
		go w.open(ctx, z)
	}
	sortZones(dialing)
	return dialing, closed
}

// open 后台建立一个区域的暖连接
func (w *WarmSet) open(ctx context.Context, zone types.ZoneID) {
	defer w.wg.Done()

	serverID, err := w.dialer.OpenWarm(ctx, zone)

	w.mu.Lock()
	delete(w.dialing, zone)
	if err != nil {
		r := w.retry[zone]
		r.failures++
		delay := w.backoff(r.failures)
		r.next = w.clock.Now().Add(delay)
		w.retry[zone] = r
		w.mu.Unlock()
		logger.Debug("建立暖连接失败", "zone", zone, "failures", r.failures, "retry_in", delay, "error", err)
		return
	}
	delete(w.retry, zone)

	switch {
	case zone == w.authoritative:
		// 建立期间已切换为权威区域，连接由权威路径持有
		w.mu.Unlock()
		return
	case !w.cfg.Enabled || ctx.Err() != nil || (w.evaluated && w.distance(w.pos, zone) > w.cfg.CloseDistance):
		w.mu.Unlock()
		logger.Debug("暖连接建立完成时已超出范围", "zone", zone, "server", serverID)
		w.dialer.CloseWarm(zone, serverID)
		return
	}
	w.warm[zone] = serverID
	w.mu.Unlock()
	logger.Debug("建立暖连接", "zone", zone, "server", serverID)
}

// Wait 等待后台建立全部结束
func (w *WarmSet) Wait() {
	w.wg.Wait()
}

// Cleanup 拆除超出 D2 的暖连接，返回拆除的区域
//
// 幂等：连续执行两次与执行一次效果相同。
func (w *WarmSet) Cleanup(pos types.Position, authoritative types.ZoneID) []types.ZoneID {
	type victim struct {
		zone     types.ZoneID
		serverID string
	}

	w.mu.Lock()
	w.pos = pos
	w.authoritative = authoritative
	w.evaluated = true
	var victims []victim
	for z, id := range w.warm {
		if z == authoritative {
			continue
		}
		if !w.cfg.Enabled || w.distance(pos, z) > w.cfg.CloseDistance {
			victims = append(victims, victim{z, id})
			delete(w.warm, z)
		}
	}
	// 离开 D2 的区域重新进入时不再受之前失败的退避约束
	for z := range w.retry {
		if w.distance(pos, z) > w.cfg.CloseDistance {
			delete(w.retry, z)
		}
	}
	w.mu.Unlock()

	closed := make([]types.ZoneID, 0, len(victims))
	for _, v := range victims {
		w.dialer.CloseWarm(v.zone, v.serverID)
		closed = append(closed, v.zone)
	}
	sortZones(closed)
	if len(closed) > 0 {
		logger.Debug("拆除暖连接", "zones", closed, "position", pos.String())
	}
	return closed
}

// Promote 把暖连接移出集合，返回其服务器 ID；用于成为权威连接
//
// 该区域正在后台建立的连接完成后不再加入集合。
func (w *WarmSet) Promote(zone types.ZoneID) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.authoritative = zone
	id, ok := w.warm[zone]
	if ok {
		delete(w.warm, zone)
	}
	return id, ok
}

// Forget 连接已放弃，移出集合但不拆除
//
// 对应区域记一次失败，按退避间隔后再尝试建立。
func (w *WarmSet) Forget(serverID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for z, id := range w.warm {
		if id != serverID {
			continue
		}
		delete(w.warm, z)
		r := w.retry[z]
		r.failures++
		r.next = w.clock.Now().Add(w.backoff(r.failures))
		w.retry[z] = r
	}
}

// Zones 返回暖连接区域
func (w *WarmSet) Zones() []types.ZoneID {
	w.mu.Lock()
	out := make([]types.ZoneID, 0, len(w.warm))
	for z := range w.warm {
		out = append(out, z)
	}
	w.mu.Unlock()
	sortZones(out)
	return out
}

// Dialing 返回正在后台建立的区域
func (w *WarmSet) Dialing() []types.ZoneID {
	w.mu.Lock()
	out := make([]types.ZoneID, 0, len(w.dialing))
	for z := range w.dialing {
		out = append(out, z)
	}
	w.mu.Unlock()
	sortZones(out)
	return out
}

// Failures 返回区域的连续建立失败次数
func (w *WarmSet) Failures(zone types.ZoneID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retry[zone].failures
}

// Holds 服务器是否仍承载某个暖区域
func (w *WarmSet) Holds(serverID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.warm {
		if id == serverID {
			return true
		}
	}
	return false
}

// Len 返回暖连接数
func (w *WarmSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.warm)
}

// distance 位置到区域的距离，在区域内部为 0
func (w *WarmSet) distance(pos types.Position, zone types.ZoneID) float64 {
	return math.Max(0, -w.geom.Penetration(pos, zone))
}

func sortZones(zs []types.ZoneID) {
	sort.Slice(zs, func(i, j int) bool { return zs[i] < zs[j] })
}
