package connmgr

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("connmgr",
		fx.Provide(ProvideManager),
		fx.Invoke(registerLifecycle),
	)
}

// Params 管理器依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config           `optional:"true"`
	Transport  interfaces.Transport
	Directory  interfaces.ZoneDirectory `optional:"true"`
	Metrics    metrics.Reporter         `optional:"true"`
	Clock      clock.Clock              `optional:"true"`

	// Options 额外选项，如令牌与客户端 ID
	Options []ConfigOption `group:"connmgr_config"`
}

// ConfigOption 在统一配置之上调整管理器配置
type ConfigOption func(*Config)

// ProvideManager 提供连接管理器
func ProvideManager(p Params) (*Manager, error) {
	cfg := ConfigFromUnified(p.UnifiedCfg)
	for _, fn := range p.Options {
		fn(&cfg)
	}

	var opts []Option
	if p.Directory != nil {
		opts = append(opts, WithDirectory(p.Directory))
	}
	if p.Metrics != nil {
		opts = append(opts, WithMetrics(p.Metrics))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	return New(cfg, p.Transport, opts...)
}

// lifecycleInput 生命周期输入参数
type lifecycleInput struct {
	fx.In
	LC      fx.Lifecycle
	Manager *Manager
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return input.Manager.Shutdown(ctx)
		},
	})
}
