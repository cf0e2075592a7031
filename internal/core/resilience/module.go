package resilience

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

// Module 返回 Fx 模块
//
// 控制器需要出生位置，由使用方调用 Start；停止随应用生命周期。
func Module() fx.Option {
	return fx.Module("resilience",
		fx.Provide(ProvideController),
		fx.Invoke(registerLifecycle),
	)
}

// Params 控制器依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	Manager    *connmgr.Manager
	Directory  interfaces.ZoneDirectory
	Geometry   interfaces.ZoneGeometry
	Metrics    metrics.Reporter `optional:"true"`
	Clock      clock.Clock      `optional:"true"`
}

// ProvideController 提供韧性控制器
func ProvideController(p Params) (*Controller, error) {
	var opts []Option
	if p.Metrics != nil {
		opts = append(opts, WithMetrics(p.Metrics))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	return NewController(ConfigFromUnified(p.UnifiedCfg), p.Manager, p.Directory, p.Geometry, opts...)
}

type lifecycleInput struct {
	fx.In
	LC         fx.Lifecycle
	Controller *Controller
}

// registerLifecycle 在连接管理器关闭之前停止控制器
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return input.Controller.Stop(ctx)
		},
	})
}
