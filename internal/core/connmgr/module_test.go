package connmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/metrics"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

func TestModule_ProvidesManager(t *testing.T) {
	h := newHarness(t)
	s0 := h.addServer("s0", 0, echoManifest("echo.v1"))

	cfg := config.NewConfig()
	cfg.Router.FallbackToPrimary = true

	var mgr *Manager
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() interfaces.Transport { return h.client }),
		fx.Provide(func() metrics.Reporter { return metrics.Nop{} }),
		fx.Provide(fx.Annotate(
			func() ConfigOption {
				return func(c *Config) {
					c.ClientID = "fx-client"
					c.Connection = connConfig()
				}
			},
			fx.ResultTags(`group:"connmgr_config"`),
		)),
		Module(),
		fx.Populate(&mgr),
	)
	app.RequireStart()

	require.NotNil(t, mgr)
	assert.True(t, mgr.cfg.FallbackToPrimary)
	assert.Equal(t, "fx-client", mgr.cfg.ClientID)

	c, err := mgr.Connect(context.Background(), s0)
	require.NoError(t, err)

	app.RequireStop()
	assert.Equal(t, types.StateClosed, c.State())

	t.Log("✅ Fx 模块提供连接管理器并在停止时关闭连接")
}
