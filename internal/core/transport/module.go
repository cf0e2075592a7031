package transport

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

// Params 传输模块依赖参数
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	Options    []Option       `group:"transport_options"`
}

// Module 返回 Fx 模块
func Module() fx.Option {
	return fx.Module("transport",
		fx.Provide(ProvideTransport),
		fx.Invoke(registerLifecycle),
	)
}

// ProvideTransport 从统一配置创建传输
func ProvideTransport(p Params) (interfaces.Transport, error) {
	cfg := config.DefaultTransportConfig()
	if p.UnifiedCfg != nil {
		cfg = p.UnifiedCfg.Transport
	}
	return New(cfg, p.Options...)
}

// registerLifecycle 注册生命周期钩子
func registerLifecycle(lc fx.Lifecycle, tr interfaces.Transport, p Params) {
	cfg := config.DefaultTransportConfig()
	if p.UnifiedCfg != nil {
		cfg = p.UnifiedCfg.Transport
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return Start(tr, cfg)
		},
		OnStop: func(_ context.Context) error {
			return tr.Close()
		},
	})
}
