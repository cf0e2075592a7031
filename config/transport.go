package config

import (
	"fmt"
	"time"
)

// 传输实现名称
const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
	TransportMem  = "mem"
)

// TransportConfig 线路传输配置
type TransportConfig struct {
	// Name 选用的传输实现（udp / quic / mem），启动时选定一次
	// 默认值: "udp"
	Name string `json:"name" yaml:"name"`

	// Bind 本地绑定地址，"host:port"
	// 默认值: "0.0.0.0:0"
	Bind string `json:"bind" yaml:"bind"`

	// HandshakeTimeout 传输层及应用层握手超时
	// 默认值: 5s
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// RetransmitInterval 可靠有序包的初始重传间隔
	// 默认值: 100ms
	RetransmitInterval Duration `json:"retransmit_interval" yaml:"retransmit_interval"`

	// MaxRetransmits 单个包的最大重传次数，超过后连接判定失效
	// 默认值: 20
	MaxRetransmits int `json:"max_retransmits" yaml:"max_retransmits"`

	// Window 可靠有序通道的收发窗口（包数）
	// 默认值: 256
	Window int `json:"window" yaml:"window"`

	// EventQueueSize 每连接分发队列长度
	// 默认值: 512
	EventQueueSize int `json:"event_queue_size" yaml:"event_queue_size"`

	// MaxPacketSize 单个数据报最大字节数
	// 默认值: 1200
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// QUICIdleTimeout QUIC 连接空闲超时
	// 默认值: 30s
	QUICIdleTimeout Duration `json:"quic_idle_timeout" yaml:"quic_idle_timeout"`

	// QUICKeepAlive QUIC keep-alive 间隔
	// 默认值: 3s
	QUICKeepAlive Duration `json:"quic_keep_alive" yaml:"quic_keep_alive"`
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Name:               TransportUDP,
		Bind:               "0.0.0.0:0",
		HandshakeTimeout:   Duration(5 * time.Second),
		RetransmitInterval: Duration(100 * time.Millisecond),
		MaxRetransmits:     20,
		Window:             256,
		EventQueueSize:     512,
		MaxPacketSize:      1200,
		QUICIdleTimeout:    Duration(30 * time.Second),
		QUICKeepAlive:      Duration(3 * time.Second),
	}
}

// Validate 验证传输配置
func (c *TransportConfig) Validate() error {
	switch c.Name {
	case TransportUDP, TransportQUIC, TransportMem:
	default:
		return fmt.Errorf("transport: unknown name %q", c.Name)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport: handshake_timeout must be positive")
	}
	if c.RetransmitInterval <= 0 {
		return fmt.Errorf("transport: retransmit_interval must be positive")
	}
	if c.MaxRetransmits < 1 {
		return fmt.Errorf("transport: max_retransmits must be >= 1")
	}
	if c.Window < 8 {
		return fmt.Errorf("transport: window must be >= 8")
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("transport: event_queue_size must be >= 1")
	}
	if c.MaxPacketSize < 256 {
		return fmt.Errorf("transport: max_packet_size must be >= 256")
	}
	return nil
}
