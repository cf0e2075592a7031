package server

import (
	"fmt"
	"time"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Config 服务器配置
type Config struct {
	// ServerID 服务器标识，握手时告知客户端
	ServerID string

	// Zone 权威持有的区域
	Zone types.ZoneID

	// ResponseCacheSize 响应缓存条目数
	ResponseCacheSize int

	// PushInterval 状态推送周期，0 表示不推送
	PushInterval time.Duration

	// ShutdownGrace 停止时排空连接的宽限期
	ShutdownGrace time.Duration

	// Connection 接受连接使用的配置
	Connection connection.Config
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建服务器配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return Config{
		ServerID:          cfg.Server.ServerID,
		Zone:              types.ZoneID(cfg.Server.Zone),
		ResponseCacheSize: cfg.Server.ResponseCacheSize,
		PushInterval:      cfg.Server.PushInterval.Duration(),
		ShutdownGrace:     cfg.Router.ShutdownGrace.Duration(),
		Connection:        connection.ConfigFromUnified(cfg),
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("%w: server id is required", ErrInvalidConfig)
	}
	if !c.Zone.Valid() {
		return fmt.Errorf("%w: zone must be >= 0", ErrInvalidConfig)
	}
	if c.ResponseCacheSize < 1 {
		return fmt.Errorf("%w: response cache size must be >= 1", ErrInvalidConfig)
	}
	if c.PushInterval < 0 {
		return fmt.Errorf("%w: push interval must be >= 0", ErrInvalidConfig)
	}
	return nil
}
