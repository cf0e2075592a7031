package server

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
	return fx.Module("server",
		fx.Provide(ProvideServer),
		fx.Invoke(registerLifecycle),
	)
}

// Params 服务器依赖
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
	Transport  interfaces.Transport
	Invoker    interfaces.Invoker
	Validator  interfaces.TokenValidator  `optional:"true"`
	Admitter   interfaces.RequestAdmitter `optional:"true"`
	Payload    interfaces.PayloadPolicy   `optional:"true"`
	Metrics    metrics.Reporter           `optional:"true"`
	Clock      clock.Clock                `optional:"true"`

	// Options 额外选项，如初始 manifest 与状态来源
	Options []Option `group:"server_options"`
}

// ProvideServer 提供区域服务器
func ProvideServer(p Params) (*Server, error) {
	var opts []Option
	if p.Validator != nil {
		opts = append(opts, WithTokenValidator(p.Validator))
	}
	if p.Admitter != nil {
		opts = append(opts, WithAdmitter(p.Admitter))
	}
	if p.Payload != nil {
		opts = append(opts, WithPayloadPolicy(p.Payload))
	}
	if p.Metrics != nil {
		opts = append(opts, WithMetrics(p.Metrics))
	}
	if p.Clock != nil {
		opts = append(opts, WithClock(p.Clock))
	}
	opts = append(opts, p.Options...)
	return New(ConfigFromUnified(p.UnifiedCfg), p.Transport, p.Invoker, opts...)
}

type lifecycleInput struct {
	fx.In
	LC     fx.Lifecycle
	Server *Server
}

// registerLifecycle 注册生命周期
func registerLifecycle(input lifecycleInput) {
	input.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return input.Server.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return input.Server.Stop(ctx)
		},
	})
}
