package connmgr

import (
	"fmt"
	"time"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
)

// Config 连接管理器配置
type Config struct {
	// FallbackToPrimary 目标区域无连接时回退到主连接
	FallbackToPrimary bool

	// ReconnectQueueSize 重连期间排队等待的最大请求数，0 表示不排队
	ReconnectQueueSize int

	// MaxResubmits 连接关闭后同一请求的最大重新提交次数
	MaxResubmits int

	// ConflictPolicy manifest 冲突策略名称
	ConflictPolicy string

	// ShutdownGrace 关闭时排空连接的宽限期
	ShutdownGrace time.Duration

	// Connection 新建连接使用的配置
	Connection connection.Config

	// Token 握手令牌
	Token []byte

	// ClientID 客户端标识，随 hello 发送
	ClientID string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return ConfigFromUnified(nil)
}

// ConfigFromUnified 从统一配置创建连接管理器配置
func ConfigFromUnified(cfg *config.Config) Config {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return Config{
		FallbackToPrimary:  cfg.Router.FallbackToPrimary,
		ReconnectQueueSize: cfg.Router.ReconnectQueueSize,
		MaxResubmits:       cfg.Router.MaxResubmits,
		ConflictPolicy:     cfg.Router.ConflictPolicy,
		ShutdownGrace:      cfg.Router.ShutdownGrace.Duration(),
		Connection:         connection.ConfigFromUnified(cfg),
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	if c.ReconnectQueueSize < 0 {
		return fmt.Errorf("%w: reconnect queue size must be >= 0", ErrInvalidConfig)
	}
	if c.MaxResubmits < 0 {
		return fmt.Errorf("%w: max resubmits must be >= 0", ErrInvalidConfig)
	}
	if _, err := manifest.PolicyByName(c.ConflictPolicy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
