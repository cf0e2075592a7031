package zonerpc

import (
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/internal/core/resilience"
	"github.com/dep2p/go-zonerpc/internal/core/server"
	"github.com/dep2p/go-zonerpc/internal/core/transport"
	"github.com/dep2p/go-zonerpc/internal/core/zonedir"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
)

var fxLogger = log.Logger("zonerpc/fx")

// buildClientApp 构建客户端 Fx 应用
//
// 加载顺序（按依赖）：Transport → Metrics → ZoneDir → ConnMgr → Resilience。
// Fx 按相反顺序停止，控制器先于连接管理器停止，传输最后关闭。
func buildClientApp(o *options, cfg *config.Config, populate ...any) *fx.App {
	modules := commonModules(o, cfg)

	if len(o.token) > 0 || o.clientID != "" {
		token, clientID := o.token, o.clientID
		modules = append(modules, fx.Provide(fx.Annotate(
			func() connmgr.ConfigOption {
				return func(c *connmgr.Config) {
					if len(token) > 0 {
						c.Token = token
					}
					if clientID != "" {
						c.ClientID = clientID
					}
				}
			},
			fx.ResultTags(`group:"connmgr_config"`),
		)))
	}

	modules = append(modules,
		zonedir.Module(),
		connmgr.Module(),
		resilience.Module(),
	)
	fxLogger.Debug("组装客户端", "transport", cfg.Transport.Name, "zones", len(cfg.Directory.Servers))
	return finish(o, modules, populate)
}

// buildServerApp 构建服务器 Fx 应用：Transport → Metrics → Server
func buildServerApp(o *options, cfg *config.Config, invoker interfaces.Invoker, populate ...any) *fx.App {
	modules := commonModules(o, cfg)
	modules = append(modules, fx.Provide(func() interfaces.Invoker { return invoker }))
	for _, opt := range o.serverOpts {
		modules = append(modules, fx.Provide(fx.Annotate(
			func() server.Option { return opt },
			fx.ResultTags(`group:"server_options"`),
		)))
	}
	modules = append(modules, server.Module())
	fxLogger.Debug("组装服务器", "server", cfg.Server.ServerID, "zone", cfg.Server.Zone, "transport", cfg.Transport.Name)
	return finish(o, modules, populate)
}

// commonModules 配置注入、传输与指标
func commonModules(o *options, cfg *config.Config) []fx.Option {
	modules := []fx.Option{
		fx.Supply(cfg),
		transport.Module(),
		metrics.Module,
	}

	if o.memNet != nil {
		n := o.memNet
		modules = append(modules, fx.Provide(fx.Annotate(
			func() transport.Option { return transport.WithMemNetwork(n) },
			fx.ResultTags(`group:"transport_options"`),
		)))
	}
	if o.clock != nil {
		clk := o.clock
		modules = append(modules,
			fx.Provide(func() clock.Clock { return clk }),
			fx.Provide(fx.Annotate(
				func() transport.Option { return transport.WithClock(clk) },
				fx.ResultTags(`group:"transport_options"`),
			)),
		)
	}
	if o.registry != nil {
		reg := o.registry
		modules = append(modules, fx.Provide(func() prometheus.Registerer { return reg }))
	}
	return modules
}

func finish(o *options, modules []fx.Option, populate []any) *fx.App {
	modules = append(modules, o.fxOptions...)
	if len(populate) > 0 {
		modules = append(modules, fx.Populate(populate...))
	}
	modules = append(modules,
		// 禁用 Fx 日志输出（避免干扰用户日志）
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)
	return fx.New(modules...)
}
