package config

import (
	"fmt"
	"time"
)

// ConnectionConfig 连接配置
type ConnectionConfig struct {
	// ProtocolVersion hello 中携带的协议版本
	// 默认值: 1
	ProtocolVersion uint32 `json:"protocol_version" yaml:"protocol_version"`

	// HeartbeatInterval 心跳间隔（空的可靠有序帧）
	// 默认值: 1s
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// IdleTimeout 无任何流量超过此时间判定连接失效
	// 默认值: 10s
	IdleTimeout Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// InboxSize 传输层到连接的有界接收队列长度
	// 默认值: 256
	InboxSize int `json:"inbox_size" yaml:"inbox_size"`

	// PreHandshakeQueue 握手完成前允许排队的原始发送数
	// 默认值: 64
	PreHandshakeQueue int `json:"pre_handshake_queue" yaml:"pre_handshake_queue"`

	// MaxPendingRequests 单连接最大在途请求数
	// 默认值: 1024
	MaxPendingRequests int `json:"max_pending_requests" yaml:"max_pending_requests"`

	// DefaultRequestTimeout 未指定 timeoutMs 时的请求超时
	// 默认值: 5s
	DefaultRequestTimeout Duration `json:"default_request_timeout" yaml:"default_request_timeout"`

	// DrainTimeout 排空阶段等待在途请求的最长时间
	// 默认值: 3s
	DrainTimeout Duration `json:"drain_timeout" yaml:"drain_timeout"`

	// CompressThreshold 超过该字节数的载荷使用 s2 压缩，0 表示不压缩
	// 默认值: 4096
	CompressThreshold int `json:"compress_threshold" yaml:"compress_threshold"`
}

// DefaultConnectionConfig 返回默认连接配置
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ProtocolVersion:       1,
		HeartbeatInterval:     Duration(1 * time.Second),
		IdleTimeout:           Duration(10 * time.Second),
		InboxSize:             256,
		PreHandshakeQueue:     64,
		MaxPendingRequests:    1024,
		DefaultRequestTimeout: Duration(5 * time.Second),
		DrainTimeout:          Duration(3 * time.Second),
		CompressThreshold:     4096,
	}
}

// Validate 验证连接配置
func (c *ConnectionConfig) Validate() error {
	if c.ProtocolVersion == 0 {
		return fmt.Errorf("connection: protocol_version must be >= 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("connection: heartbeat_interval must be positive")
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("connection: idle_timeout must exceed heartbeat_interval")
	}
	if c.InboxSize < 1 {
		return fmt.Errorf("connection: inbox_size must be >= 1")
	}
	if c.MaxPendingRequests < 1 {
		return fmt.Errorf("connection: max_pending_requests must be >= 1")
	}
	if c.DefaultRequestTimeout <= 0 {
		return fmt.Errorf("connection: default_request_timeout must be positive")
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("connection: compress_threshold must be >= 0")
	}
	return nil
}

// RouterConfig 连接管理器（路由）配置
type RouterConfig struct {
	// FallbackToPrimary 目标区域没有连接时是否回退到主连接
	// 默认值: false
	FallbackToPrimary bool `json:"fallback_to_primary" yaml:"fallback_to_primary"`

	// ReconnectQueueSize 重连期间允许排队等待的请求数
	// 默认值: 128
	ReconnectQueueSize int `json:"reconnect_queue_size" yaml:"reconnect_queue_size"`

	// MaxResubmits 连接关闭导致的请求最大重新提交次数
	// 默认值: 2
	MaxResubmits int `json:"max_resubmits" yaml:"max_resubmits"`

	// ConflictPolicy manifest 冲突策略（last-write-wins / first-write-wins / prefer-primary）
	// 默认值: "last-write-wins"
	ConflictPolicy string `json:"conflict_policy" yaml:"conflict_policy"`

	// ShutdownGrace 关闭时排空连接的宽限期
	// 默认值: 5s
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// DefaultRouterConfig 返回默认路由配置
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		FallbackToPrimary:  false,
		ReconnectQueueSize: 128,
		MaxResubmits:       2,
		ConflictPolicy:     "last-write-wins",
		ShutdownGrace:      Duration(5 * time.Second),
	}
}

// Validate 验证路由配置
func (c *RouterConfig) Validate() error {
	if c.ReconnectQueueSize < 0 {
		return fmt.Errorf("router: reconnect_queue_size must be >= 0")
	}
	if c.MaxResubmits < 0 {
		return fmt.Errorf("router: max_resubmits must be >= 0")
	}
	switch c.ConflictPolicy {
	case "last-write-wins", "first-write-wins", "prefer-primary":
	default:
		return fmt.Errorf("router: unknown conflict_policy %q", c.ConflictPolicy)
	}
	return nil
}
