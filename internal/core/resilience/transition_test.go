package resilience

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-zonerpc/internal/core/zonedir"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// 2×2 网格，边长 100，区域 0 与 1 以 x=100 为界
func newGrid(t *testing.T) *zonedir.Grid {
	t.Helper()
	g, err := zonedir.NewGrid(zonedir.Config{CellSize: 100, Columns: 2, Rows: 2})
	require.NoError(t, err)
	return g
}

func pos(x, y float64) types.Position {
	return types.Position{X: x, Y: y}
}

func transitionConfig() TransitionConfig {
	return TransitionConfig{
		ReentryThreshold: 5,
		ConfirmDelay:     200 * time.Millisecond,
		RateWindow:       10 * time.Second,
		RateCount:        3,
		Cooldown:         5 * time.Second,
	}
}

func TestTransitionDetector_NoOscillationBelowThreshold(t *testing.T) {
	mock := clock.NewMock()
	d := NewTransitionDetector(transitionConfig(), newGrid(t), mock, 0)

	commits := 0
	for i := 0; i < 200; i++ {
		x := 97.0
		if i%2 == 1 {
			x = 103.0
		}
		if _, ok := d.Observe(pos(x, 50)); ok {
			commits++
		}
		mock.Add(100 * time.Millisecond)
	}
	assert.Zero(t, commits)
	assert.Equal(t, types.ZoneID(0), d.Committed())

	t.Log("✅ 振幅小于再入阈值的往返轨迹不产生切换")
}

func TestTransitionDetector_ConfirmDelay(t *testing.T) {
	mock := clock.NewMock()
	d := NewTransitionDetector(transitionConfig(), newGrid(t), mock, 0)

	_, ok := d.Observe(pos(110, 50))
	assert.False(t, ok, "首个样本只成为候选")

	mock.Add(100 * time.Millisecond)
	_, ok = d.Observe(pos(112, 50))
	assert.False(t, ok)

	mock.Add(100 * time.Millisecond)
	tr, ok := d.Observe(pos(112, 50))
	require.True(t, ok)
	assert.Equal(t, types.ZoneID(0), tr.From)
	assert.Equal(t, types.ZoneID(1), tr.To)
	assert.Equal(t, mock.Now(), tr.At)
	assert.Equal(t, types.ZoneID(1), d.Committed())
}

func TestTransitionDetector_CandidateResetsWhenShallow(t *testing.T) {
	mock := clock.NewMock()
	d := NewTransitionDetector(transitionConfig(), newGrid(t), mock, 0)

	d.Observe(pos(110, 50))
	mock.Add(150 * time.Millisecond)
	d.Observe(pos(102, 50))
	mock.Add(100 * time.Millisecond)

	_, ok := d.Observe(pos(110, 50))
	assert.False(t, ok, "回到阈值内后确认计时重新开始")

	mock.Add(200 * time.Millisecond)
	_, ok = d.Observe(pos(110, 50))
	assert.True(t, ok)
}

func TestTransitionDetector_ReentryRequiresThreshold(t *testing.T) {
	mock := clock.NewMock()
	cfg := transitionConfig()
	cfg.ConfirmDelay = 0
	d := NewTransitionDetector(cfg, newGrid(t), mock, 0)

	_, ok := d.Observe(pos(110, 50))
	require.True(t, ok)

	_, ok = d.Observe(pos(97, 50))
	assert.False(t, ok, "返回原区域同样需要越过阈值")
	assert.Equal(t, types.ZoneID(1), d.Committed())

	_, ok = d.Observe(pos(90, 50))
	assert.True(t, ok)
	assert.Equal(t, types.ZoneID(0), d.Committed())
}

func TestTransitionDetector_RateLimitCooldown(t *testing.T) {
	mock := clock.NewMock()
	cfg := transitionConfig()
	cfg.ConfirmDelay = 0
	cfg.RateCount = 2
	d := NewTransitionDetector(cfg, newGrid(t), mock, 0)

	_, ok := d.Observe(pos(150, 50))
	require.True(t, ok)
	_, ok = d.Observe(pos(50, 50))
	require.True(t, ok)
	assert.Equal(t, 2, d.CommitsWithin())

	_, ok = d.Observe(pos(150, 50))
	assert.False(t, ok, "超过速率限制")
	assert.True(t, d.CoolingDown())

	mock.Add(time.Second)
	_, ok = d.Observe(pos(150, 50))
	assert.False(t, ok, "冷却期内不接受切换")

	// 冷却结束但两次提交仍在 10s 窗口内，再次进入冷却
	mock.Add(4100 * time.Millisecond)
	assert.False(t, d.CoolingDown())
	_, ok = d.Observe(pos(150, 50))
	assert.False(t, ok, "窗口内提交数已满")
	assert.True(t, d.CoolingDown())

	mock.Add(5100 * time.Millisecond)
	assert.Zero(t, d.CommitsWithin())
	tr, ok := d.Observe(pos(150, 50))
	require.True(t, ok)
	assert.Equal(t, types.ZoneID(1), tr.To)

	t.Log("✅ 超出速率限制后强制冷却")
}

func TestTransitionDetector_RollingWindowCap(t *testing.T) {
	mock := clock.NewMock()
	cfg := transitionConfig()
	cfg.ConfirmDelay = 0
	cfg.RateCount = 3
	cfg.RateWindow = 10 * time.Second
	d := NewTransitionDetector(cfg, newGrid(t), mock, 0)

	start := mock.Now()
	var commits []time.Time
	for i := 0; i < 160; i++ {
		x := 150.0
		if i%2 == 1 {
			x = 50.0
		}
		if tr, ok := d.Observe(pos(x, 50)); ok {
			commits = append(commits, tr.At)
		}
		assert.LessOrEqual(t, d.CommitsWithin(), cfg.RateCount)
		mock.Add(250 * time.Millisecond)
	}

	first := 0
	for _, at := range commits {
		if at.Sub(start) < cfg.RateWindow {
			first++
		}
	}
	assert.Equal(t, cfg.RateCount, first, "首个窗口内恰好提交 RateCount 次")

	// 任意长度为 RateWindow 的滚动窗口内提交数不超过 RateCount
	for i := range commits {
		n := 0
		for _, at := range commits[i:] {
			if at.Sub(commits[i]) < cfg.RateWindow {
				n++
			}
		}
		assert.LessOrEqual(t, n, cfg.RateCount, "从 %s 起的窗口", commits[i].Sub(start))
	}
	assert.Greater(t, len(commits), cfg.RateCount, "窗口滑过后恢复提交")

	t.Log("✅ 滚动窗口内提交数不超过上限")
}

func TestTransitionDetector_InitialAndReset(t *testing.T) {
	mock := clock.NewMock()
	d := NewTransitionDetector(transitionConfig(), newGrid(t), mock, types.NoZone)

	tr, ok := d.Observe(pos(10, 10))
	require.True(t, ok, "未提交任何区域时立即提交")
	assert.Equal(t, types.NoZone, tr.From)

	_, ok = d.Observe(pos(-10, 10))
	assert.False(t, ok, "网格外的位置被忽略")

	d.Reset(3)
	assert.Equal(t, types.ZoneID(3), d.Committed())
}
