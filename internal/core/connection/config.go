package connection

import (
	"time"

	"github.com/dep2p/go-zonerpc/config"
)

// Config 连接配置
type Config struct {
	// ProtocolVersion hello 中携带的协议版本
	ProtocolVersion uint32

	// HandshakeTimeout 传输连接与应用握手各自的超时
	HandshakeTimeout time.Duration

	// HeartbeatInterval 心跳间隔
	HeartbeatInterval time.Duration

	// IdleTimeout 空闲判定窗口
	IdleTimeout time.Duration

	// InboxSize 接收队列长度
	InboxSize int

	// PreHandshakeQueue 握手前可排队的发送数
	PreHandshakeQueue int

	// MaxPendingRequests 最大在途请求数
	MaxPendingRequests int

	// DefaultRequestTimeout 默认请求超时
	DefaultRequestTimeout time.Duration

	// DrainTimeout 排空等待上限
	DrainTimeout time.Duration

	// CompressThreshold 压缩阈值，0 表示不压缩
	CompressThreshold int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建连接配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	c := cfg.Connection
	return Config{
		ProtocolVersion:       c.ProtocolVersion,
		HandshakeTimeout:      cfg.Transport.HandshakeTimeout.Duration(),
		HeartbeatInterval:     c.HeartbeatInterval.Duration(),
		IdleTimeout:           c.IdleTimeout.Duration(),
		InboxSize:             c.InboxSize,
		PreHandshakeQueue:     c.PreHandshakeQueue,
		MaxPendingRequests:    c.MaxPendingRequests,
		DefaultRequestTimeout: c.DefaultRequestTimeout.Duration(),
		DrainTimeout:          c.DrainTimeout.Duration(),
		CompressThreshold:     c.CompressThreshold,
	}
}

// withDefaults 用默认值填充零值字段
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.PreHandshakeQueue < 0 {
		c.PreHandshakeQueue = 0
	}
	if c.MaxPendingRequests <= 0 {
		c.MaxPendingRequests = d.MaxPendingRequests
	}
	if c.DefaultRequestTimeout <= 0 {
		c.DefaultRequestTimeout = d.DefaultRequestTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}
