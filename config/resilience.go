package config

import (
	"fmt"
	"time"
)

// ResilienceConfig 客户端韧性配置
type ResilienceConfig struct {
	// PreEstablish 预建立（暖连接）配置
	PreEstablish PreEstablishConfig `json:"pre_establish" yaml:"pre_establish"`

	// Transition 区域切换检测配置
	Transition TransitionConfig `json:"transition" yaml:"transition"`

	// Reconnect 重连配置
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`

	// Watchdog 卡死看门狗配置
	Watchdog WatchdogConfig `json:"watchdog" yaml:"watchdog"`
}

// PreEstablishConfig 暖连接配置
type PreEstablishConfig struct {
	// Enabled 是否启用预建立
	// 默认值: true
	Enabled bool `json:"enabled" yaml:"enabled"`

	// OpenDistance D1：距离相邻区域边界不超过此值时建立暖连接
	// 默认值: 32
	OpenDistance float64 `json:"open_distance" yaml:"open_distance"`

	// CloseDistance D2：暖连接区域超出此距离时拆除，必须大于 D1
	// 默认值: 64
	CloseDistance float64 `json:"close_distance" yaml:"close_distance"`

	// Interval 距离检查周期
	// 默认值: 250ms
	Interval Duration `json:"interval" yaml:"interval"`
}

// TransitionConfig 区域切换检测配置
type TransitionConfig struct {
	// ReentryThreshold 越过边界后必须深入候选区域的距离
	// 默认值: 4
	ReentryThreshold float64 `json:"reentry_threshold" yaml:"reentry_threshold"`

	// ConfirmDelay 候选区域需要保持稳定的最短时间
	// 默认值: 200ms
	ConfirmDelay Duration `json:"confirm_delay" yaml:"confirm_delay"`

	// RateWindow 切换限流滚动窗口
	// 默认值: 10s
	RateWindow Duration `json:"rate_window" yaml:"rate_window"`

	// RateCount 窗口内允许的最大切换次数
	// 默认值: 3
	RateCount int `json:"rate_count" yaml:"rate_count"`

	// Cooldown 超过限流后的冷却时间
	// 默认值: 5s
	Cooldown Duration `json:"cooldown" yaml:"cooldown"`
}

// ReconnectConfig 重连配置
type ReconnectConfig struct {
	// InitialBackoff 初始退避
	// 默认值: 200ms
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff 最大退避
	// 默认值: 10s
	MaxBackoff Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffFactor 退避因子，必须大于 1
	// 默认值: 2.0
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor"`

	// MaxAttempts 最大连续重连次数，超过后上报硬失败
	// 默认值: 8
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// HealthWindow 成功/失败滚动统计窗口
	// 默认值: 1m
	HealthWindow Duration `json:"health_window" yaml:"health_window"`

	// MaxFailureRatio 窗口内失败比例超过此值时放弃重连
	// 默认值: 0.9
	MaxFailureRatio float64 `json:"max_failure_ratio" yaml:"max_failure_ratio"`

	// MinSamples 计算失败比例所需最少样本数
	// 默认值: 10
	MinSamples int `json:"min_samples" yaml:"min_samples"`
}

// WatchdogConfig 卡死看门狗配置
type WatchdogConfig struct {
	// Enabled 是否启用
	// 默认值: true
	Enabled bool `json:"enabled" yaml:"enabled"`

	// StallThreshold 状态更新停止超过此时间强制重连
	// 默认值: 3s
	StallThreshold Duration `json:"stall_threshold" yaml:"stall_threshold"`

	// HandshakeStall 握手停留在 pending 超过此时间强制重连
	// 默认值: 10s
	HandshakeStall Duration `json:"handshake_stall" yaml:"handshake_stall"`

	// Interval 检查周期
	// 默认值: 500ms
	Interval Duration `json:"interval" yaml:"interval"`
}

// DefaultResilienceConfig 返回默认韧性配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		PreEstablish: PreEstablishConfig{
			Enabled:       true,
			OpenDistance:  32,
			CloseDistance: 64,
			Interval:      Duration(250 * time.Millisecond),
		},
		Transition: TransitionConfig{
			ReentryThreshold: 4,
			ConfirmDelay:     Duration(200 * time.Millisecond),
			RateWindow:       Duration(10 * time.Second),
			RateCount:        3,
			Cooldown:         Duration(5 * time.Second),
		},
		Reconnect: ReconnectConfig{
			InitialBackoff:  Duration(200 * time.Millisecond),
			MaxBackoff:      Duration(10 * time.Second),
			BackoffFactor:   2.0,
			MaxAttempts:     8,
			HealthWindow:    Duration(time.Minute),
			MaxFailureRatio: 0.9,
			MinSamples:      10,
		},
		Watchdog: WatchdogConfig{
			Enabled:        true,
			StallThreshold: Duration(3 * time.Second),
			HandshakeStall: Duration(10 * time.Second),
			Interval:       Duration(500 * time.Millisecond),
		},
	}
}

// Validate 验证韧性配置
func (c *ResilienceConfig) Validate() error {
	pe := c.PreEstablish
	if pe.OpenDistance < 0 {
		return fmt.Errorf("resilience: open_distance must be >= 0")
	}
	if pe.Enabled && pe.CloseDistance <= pe.OpenDistance {
		return fmt.Errorf("resilience: close_distance (D2) must exceed open_distance (D1)")
	}
	if pe.Interval <= 0 {
		return fmt.Errorf("resilience: pre_establish.interval must be positive")
	}

	tr := c.Transition
	if tr.ReentryThreshold < 0 {
		return fmt.Errorf("resilience: reentry_threshold must be >= 0")
	}
	if tr.ConfirmDelay < 0 {
		return fmt.Errorf("resilience: confirm_delay must be >= 0")
	}
	if tr.RateCount < 1 || tr.RateWindow <= 0 {
		return fmt.Errorf("resilience: rate_count must be >= 1 and rate_window positive")
	}

	rc := c.Reconnect
	if rc.InitialBackoff <= 0 || rc.MaxBackoff < rc.InitialBackoff {
		return fmt.Errorf("resilience: backoff must satisfy 0 < initial <= max")
	}
	if rc.BackoffFactor <= 1 {
		return fmt.Errorf("resilience: backoff_factor must be > 1")
	}
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("resilience: max_attempts must be >= 1")
	}
	if rc.MaxFailureRatio <= 0 || rc.MaxFailureRatio > 1 {
		return fmt.Errorf("resilience: max_failure_ratio must be in (0, 1]")
	}

	wd := c.Watchdog
	if wd.Enabled && (wd.StallThreshold <= 0 || wd.Interval <= 0) {
		return fmt.Errorf("resilience: watchdog stall_threshold and interval must be positive")
	}
	return nil
}
