package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/internal/core/transport/memnet"
	"github.com/dep2p/go-zonerpc/internal/core/transport/udp"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

func TestModule_ProvidesServer(t *testing.T) {
	n := memnet.NewNetwork(9)
	srvTr := udp.New(transportConfig(), udp.WithNetwork(n))
	client := udp.New(transportConfig(), udp.WithNetwork(n))
	require.NoError(t, srvTr.Start(types.NewEndpoint("127.0.0.1", 0)))
	require.NoError(t, client.Start(types.NewEndpoint("127.0.0.1", 0)))
	defer srvTr.Close()
	defer client.Close()

	cfg := config.NewConfig()
	cfg.Server.ServerID = "zone-7"
	cfg.Server.Zone = 7
	cfg.Server.PushInterval = 0

	inv := &countingInvoker{}
	var srv *Server
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() interfaces.Transport { return srvTr }),
		fx.Provide(func() interfaces.Invoker { return inv }),
		fx.Provide(fx.Annotate(
			func() Option { return WithManifest(testManifest(3)) },
			fx.ResultTags(`group:"server_options"`),
		)),
		Module(),
		fx.Populate(&srv),
	)
	app.RequireStart()

	require.NotNil(t, srv)
	assert.Equal(t, "zone-7", srv.cfg.ServerID)
	assert.Equal(t, uint64(3), srv.Manifest().Version())

	c, err := connection.Dial(context.Background(), connection.DialParams{
		Transport: client,
		Remote:    srvTr.LocalEndpoint(),
		ClientID:  "player-1",
		Config:    connConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.ZoneID(7), c.AssignedZone())

	got, err := c.Call(context.Background(), connection.Request{InterfaceID: "echo", Args: []byte("fx")})
	require.NoError(t, err)
	assert.Equal(t, []byte("fx"), got)

	app.RequireStop()
	<-c.Done()

	t.Log("✅ Fx 模块提供区域服务器")
}
