package resilience

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/zonedir"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
)

func TestModule_ProvidesController(t *testing.T) {
	h := newHarness(t)

	cfg := config.NewConfig()
	cfg.Resilience.Transition.RateCount = 7

	var ctrl *Controller
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() interfaces.Transport { return h.client }),
		zonedir.Module(),
		connmgr.Module(),
		Module(),
		fx.Populate(&ctrl),
	)
	app.RequireStart()

	require.NotNil(t, ctrl)
	assert.Equal(t, 7, ctrl.cfg.Transition.RateCount)

	app.RequireStop()

	t.Log("✅ Fx 模块提供韧性控制器")
}
