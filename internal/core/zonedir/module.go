package zonedir

import (
	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

// Params 目录依赖参数
type Params struct {
	fx.In

	UnifiedCfg *config.Config `optional:"true"`
}

// Module 返回 Fx 模块，同时提供目录与几何接口
func Module() fx.Option {
	return fx.Module("zonedir",
		fx.Provide(
			ProvideGrid,
			func(g *Grid) interfaces.ZoneDirectory { return g },
			func(g *Grid) interfaces.ZoneGeometry { return g },
		),
	)
}

// ProvideGrid 从统一配置创建网格
func ProvideGrid(p Params) (*Grid, error) {
	cfg, err := ConfigFromUnified(p.UnifiedCfg)
	if err != nil {
		return nil, err
	}
	return NewGrid(cfg)
}
