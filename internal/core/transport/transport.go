package transport

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/transport/memnet"
	"github.com/dep2p/go-zonerpc/internal/core/transport/quic"
	"github.com/dep2p/go-zonerpc/internal/core/transport/udp"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/transport")

var (
	sharedMemOnce sync.Once
	sharedMem     *memnet.Network
)

// SharedMemNetwork 返回进程内共享的 memnet 网络
//
// 未指定 WithMemNetwork 时 mem 传输都挂在这个网络上，
// 同一进程内的客户端与服务器因此可以互通。
func SharedMemNetwork() *memnet.Network {
	sharedMemOnce.Do(func() {
		sharedMem = memnet.NewNetwork(1)
	})
	return sharedMem
}

type options struct {
	mem   *memnet.Network
	clock clock.Clock
}

// Option 传输创建选项
type Option func(*options)

// WithMemNetwork 指定 mem 传输使用的网络
func WithMemNetwork(n *memnet.Network) Option {
	return func(o *options) { o.mem = n }
}

// WithClock 指定 udp / mem 传输使用的时钟
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New 按配置创建传输，尚未绑定端点
func New(cfg config.TransportConfig, opts ...Option) (interfaces.Transport, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var udpOpts []udp.Option
	if o.clock != nil {
		udpOpts = append(udpOpts, udp.WithClock(o.clock))
	}

	switch cfg.Name {
	case config.TransportUDP, "":
		logger.Debug("创建 UDP 传输")
		return udp.New(cfg, udpOpts...), nil
	case config.TransportMem:
		n := o.mem
		if n == nil {
			n = SharedMemNetwork()
		}
		logger.Debug("创建内存传输")
		return udp.New(cfg, append(udpOpts, udp.WithNetwork(n))...), nil
	case config.TransportQUIC:
		logger.Debug("创建 QUIC 传输")
		return quic.New(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Name)
	}
}

// Start 以配置中的 Bind 地址启动传输
func Start(tr interfaces.Transport, cfg config.TransportConfig) error {
	bind, err := types.ParseEndpoint(cfg.Bind)
	if err != nil {
		return fmt.Errorf("parse bind %q: %w", cfg.Bind, err)
	}
	if err := tr.Start(bind); err != nil {
		return err
	}
	logger.Info("传输已启动", "name", tr.Name(), "local", tr.LocalEndpoint().String())
	return nil
}
