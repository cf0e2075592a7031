package resilience

import (
	"fmt"
	"time"

	"github.com/dep2p/go-zonerpc/config"
)

// Config 韧性控制配置
type Config struct {
	Warm       WarmConfig
	Transition TransitionConfig
	Reconnect  ReconnectConfig
	Watchdog   WatchdogConfig
}

// WarmConfig 暖连接配置
type WarmConfig struct {
	Enabled bool

	// OpenDistance D1
	OpenDistance float64

	// CloseDistance D2
	CloseDistance float64

	// Interval 距离检查周期
	Interval time.Duration
}

// TransitionConfig 区域切换检测配置
type TransitionConfig struct {
	ReentryThreshold float64
	ConfirmDelay     time.Duration
	RateWindow       time.Duration
	RateCount        int
	Cooldown         time.Duration
}

// ReconnectConfig 重连配置
type ReconnectConfig struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffFactor   float64
	MaxAttempts     int
	HealthWindow    time.Duration
	MaxFailureRatio float64
	MinSamples      int
}

// WatchdogConfig 看门狗配置
type WatchdogConfig struct {
	Enabled        bool
	StallThreshold time.Duration
	HandshakeStall time.Duration
	Interval       time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建韧性配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	r := cfg.Resilience
	return Config{
		Warm: WarmConfig{
			Enabled:       r.PreEstablish.Enabled,
			OpenDistance:  r.PreEstablish.OpenDistance,
			CloseDistance: r.PreEstablish.CloseDistance,
			Interval:      r.PreEstablish.Interval.Duration(),
		},
		Transition: TransitionConfig{
			ReentryThreshold: r.Transition.ReentryThreshold,
			ConfirmDelay:     r.Transition.ConfirmDelay.Duration(),
			RateWindow:       r.Transition.RateWindow.Duration(),
			RateCount:        r.Transition.RateCount,
			Cooldown:         r.Transition.Cooldown.Duration(),
		},
		Reconnect: ReconnectConfig{
			InitialBackoff:  r.Reconnect.InitialBackoff.Duration(),
			MaxBackoff:      r.Reconnect.MaxBackoff.Duration(),
			BackoffFactor:   r.Reconnect.BackoffFactor,
			MaxAttempts:     r.Reconnect.MaxAttempts,
			HealthWindow:    r.Reconnect.HealthWindow.Duration(),
			MaxFailureRatio: r.Reconnect.MaxFailureRatio,
			MinSamples:      r.Reconnect.MinSamples,
		},
		Watchdog: WatchdogConfig{
			Enabled:        r.Watchdog.Enabled,
			StallThreshold: r.Watchdog.StallThreshold.Duration(),
			HandshakeStall: r.Watchdog.HandshakeStall.Duration(),
			Interval:       r.Watchdog.Interval.Duration(),
		},
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.Warm.Enabled && c.Warm.CloseDistance <= c.Warm.OpenDistance {
		return fmt.Errorf("resilience: close distance %g must exceed open distance %g",
			c.Warm.CloseDistance, c.Warm.OpenDistance)
	}
	if c.Warm.Interval <= 0 {
		return fmt.Errorf("resilience: warm interval must be positive")
	}
	if c.Transition.RateCount < 1 || c.Transition.RateWindow <= 0 {
		return fmt.Errorf("resilience: transition rate must allow at least one transition per window")
	}
	rc := c.Reconnect
	if rc.InitialBackoff <= 0 || rc.MaxBackoff < rc.InitialBackoff || rc.BackoffFactor <= 1 {
		return fmt.Errorf("resilience: invalid backoff schedule")
	}
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("resilience: max attempts must be >= 1")
	}
	if c.Watchdog.Enabled && (c.Watchdog.StallThreshold <= 0 || c.Watchdog.Interval <= 0) {
		return fmt.Errorf("resilience: watchdog threshold and interval must be positive")
	}
	return nil
}
