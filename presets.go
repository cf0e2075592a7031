package zonerpc

import (
	"time"

	"github.com/dep2p/go-zonerpc/config"
)

// ════════════════════════════════════════════════════════════════════════════
//                              预设配置
// ════════════════════════════════════════════════════════════════════════════

// 预设名称常量
const (
	// PresetNameLAN 局域网预设名称
	PresetNameLAN = "lan"

	// PresetNameInternet 公网预设名称
	PresetNameInternet = "internet"

	// PresetNameTest 测试预设名称
	PresetNameTest = "test"
)

// Preset 一组针对部署环境调整过的配置
type Preset struct {
	Name        string
	Description string
	apply       func(*config.Config)
}

// Apply 在配置上应用预设
func (p *Preset) Apply(cfg *config.Config) {
	if p.apply != nil {
		p.apply(cfg)
	}
}

// PresetLAN 局域网：低延迟，故障判定与切换都更快
//
//   - 心跳 250ms，空闲 3s 判定失效
//   - 重连退避 50ms 起，最长 2s
//   - 状态停止 1s 即判定停滞
var PresetLAN = &Preset{
	Name:        PresetNameLAN,
	Description: "低延迟局域网，快速故障判定",
	apply: func(cfg *config.Config) {
		cfg.Connection.HeartbeatInterval = config.Duration(250 * time.Millisecond)
		cfg.Connection.IdleTimeout = config.Duration(3 * time.Second)
		cfg.Connection.DefaultRequestTimeout = config.Duration(2 * time.Second)
		cfg.Transport.RetransmitInterval = config.Duration(30 * time.Millisecond)
		cfg.Resilience.Reconnect.InitialBackoff = config.Duration(50 * time.Millisecond)
		cfg.Resilience.Reconnect.MaxBackoff = config.Duration(2 * time.Second)
		cfg.Resilience.Watchdog.StallThreshold = config.Duration(time.Second)
	},
}

// PresetInternet 公网：容忍更高延迟与抖动，减少误判
var PresetInternet = &Preset{
	Name:        PresetNameInternet,
	Description: "高延迟公网，宽松超时",
	apply: func(cfg *config.Config) {
		cfg.Connection.HeartbeatInterval = config.Duration(2 * time.Second)
		cfg.Connection.IdleTimeout = config.Duration(20 * time.Second)
		cfg.Connection.DefaultRequestTimeout = config.Duration(10 * time.Second)
		cfg.Transport.HandshakeTimeout = config.Duration(10 * time.Second)
		cfg.Transport.RetransmitInterval = config.Duration(250 * time.Millisecond)
		cfg.Resilience.Reconnect.MaxBackoff = config.Duration(30 * time.Second)
		cfg.Resilience.Reconnect.MaxAttempts = 12
		cfg.Resilience.Watchdog.StallThreshold = config.Duration(8 * time.Second)
		cfg.Resilience.Transition.ConfirmDelay = config.Duration(400 * time.Millisecond)
	},
}

// PresetTest 进程内测试：mem 传输，所有计时压到最短
var PresetTest = &Preset{
	Name:        PresetNameTest,
	Description: "进程内内存网络，用于测试",
	apply: func(cfg *config.Config) {
		cfg.Transport.Name = config.TransportMem
		cfg.Transport.Bind = "127.0.0.1:0"
		cfg.Transport.HandshakeTimeout = config.Duration(2 * time.Second)
		cfg.Transport.RetransmitInterval = config.Duration(10 * time.Millisecond)
		cfg.Connection.HeartbeatInterval = config.Duration(50 * time.Millisecond)
		cfg.Connection.IdleTimeout = config.Duration(2 * time.Second)
		cfg.Connection.DrainTimeout = config.Duration(500 * time.Millisecond)
		cfg.Router.ShutdownGrace = config.Duration(time.Second)
		cfg.Resilience.PreEstablish.Interval = config.Duration(20 * time.Millisecond)
		cfg.Resilience.Transition.ConfirmDelay = config.Duration(20 * time.Millisecond)
		cfg.Resilience.Reconnect.InitialBackoff = config.Duration(10 * time.Millisecond)
		cfg.Resilience.Reconnect.MaxBackoff = config.Duration(100 * time.Millisecond)
		cfg.Resilience.Watchdog.Interval = config.Duration(20 * time.Millisecond)
		cfg.Server.PushInterval = config.Duration(20 * time.Millisecond)
	},
}

// PresetByName 按名称查找预设
func PresetByName(name string) (*Preset, bool) {
	switch name {
	case PresetNameLAN:
		return PresetLAN, true
	case PresetNameInternet:
		return PresetInternet, true
	case PresetNameTest:
		return PresetTest, true
	}
	return nil, false
}
