package config

import (
	"fmt"
	"time"
)

// ServerConfig 区域服务器配置
type ServerConfig struct {
	// ServerID 服务器标识
	ServerID string `json:"server_id" yaml:"server_id"`

	// Zone 该服务器权威持有的区域
	// 默认值: 0
	Zone int32 `json:"zone" yaml:"zone"`

	// ResponseCacheSize 幂等响应缓存条目数
	// 默认值: 4096
	ResponseCacheSize int `json:"response_cache_size" yaml:"response_cache_size"`

	// PushInterval 状态推送周期，0 表示不推送
	// 默认值: 100ms
	PushInterval Duration `json:"push_interval" yaml:"push_interval"`
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ServerID:          "",
		Zone:              0,
		ResponseCacheSize: 4096,
		PushInterval:      Duration(100 * time.Millisecond),
	}
}

// Validate 验证服务器配置
func (c *ServerConfig) Validate() error {
	if c.Zone < 0 {
		return fmt.Errorf("server: zone must be >= 0")
	}
	if c.ResponseCacheSize < 1 {
		return fmt.Errorf("server: response_cache_size must be >= 1")
	}
	return nil
}

// DirectoryConfig 静态网格区域目录配置
type DirectoryConfig struct {
	// CellSize 每个区域的边长
	// 默认值: 256
	CellSize float64 `json:"cell_size" yaml:"cell_size"`

	// Columns 网格列数
	// 默认值: 4
	Columns int `json:"columns" yaml:"columns"`

	// Rows 网格行数
	// 默认值: 4
	Rows int `json:"rows" yaml:"rows"`

	// Servers 区域到服务器的静态分配
	Servers []ZoneServer `json:"servers" yaml:"servers"`
}

// ZoneServer 一条区域分配
type ZoneServer struct {
	Zone     int32  `json:"zone" yaml:"zone"`
	ServerID string `json:"server_id" yaml:"server_id"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultDirectoryConfig 返回默认目录配置
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		CellSize: 256,
		Columns:  4,
		Rows:     4,
	}
}

// Validate 验证目录配置
func (c *DirectoryConfig) Validate() error {
	if c.CellSize <= 0 {
		return fmt.Errorf("directory: cell_size must be positive")
	}
	if c.Columns < 1 || c.Rows < 1 {
		return fmt.Errorf("directory: columns and rows must be >= 1")
	}
	limit := int32(c.Columns * c.Rows)
	for _, s := range c.Servers {
		if s.Zone < 0 || s.Zone >= limit {
			return fmt.Errorf("directory: zone %d outside grid", s.Zone)
		}
		if s.ServerID == "" {
			return fmt.Errorf("directory: zone %d has empty server_id", s.Zone)
		}
	}
	return nil
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// Enabled 是否注册 Prometheus 指标
	// 默认值: false
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace 指标命名空间
	// 默认值: "zonerpc"
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: false, Namespace: "zonerpc"}
}
