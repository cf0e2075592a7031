package zonerpc

import (
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/internal/core/connmgr"
	"github.com/dep2p/go-zonerpc/internal/core/manifest"
	"github.com/dep2p/go-zonerpc/internal/core/server"
	"github.com/dep2p/go-zonerpc/internal/core/transport/memnet"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Option 用户配置选项函数
type Option func(*options) error

// options 内部选项结构
type options struct {
	// 基础配置：文件或直接注入，预设在其上调整
	config     *config.Config
	configFile string
	preset     *Preset

	transport string
	listen    string
	memNet    *memnet.Network
	clock     clock.Clock
	registry  prometheus.Registerer

	// 客户端
	token     []byte
	clientID  string
	tolerance connmgr.Tolerance
	zones     []config.ZoneServer

	// 服务器
	serverID     string
	zone         *types.ZoneID
	pushInterval *time.Duration
	serverOpts   []server.Option

	// 用户自定义 Fx 选项
	fxOptions []fx.Option
}

func newOptions() *options {
	return &options{tolerance: connmgr.QueueDuringReconnect}
}

func (o *options) apply(opts []Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// toConfig 合成统一配置
//
// 顺序：配置文件或注入配置 → 预设 → 单项覆盖。
func (o *options) toConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	switch {
	case o.config != nil:
		copied := *o.config
		cfg = &copied
	case o.configFile != "":
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if o.preset != nil {
		o.preset.Apply(cfg)
	}

	if o.transport != "" {
		cfg.Transport.Name = o.transport
	}
	if o.listen != "" {
		cfg.Transport.Bind = o.listen
	}
	if o.registry != nil {
		cfg.Metrics.Enabled = true
	}
	if len(o.zones) > 0 {
		cfg.Directory.Servers = append(slices.Clone(cfg.Directory.Servers), o.zones...)
	}
	if o.serverID != "" {
		cfg.Server.ServerID = o.serverID
	}
	if o.zone != nil {
		cfg.Server.Zone = int32(*o.zone)
	}
	if o.pushInterval != nil {
		cfg.Server.PushInterval = config.Duration(*o.pushInterval)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ============================================================================
//                              通用选项
// ============================================================================

// WithConfig 以给定配置为基础，调用方之后的修改不影响已创建的实例
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil config", ErrInvalidOption)
		}
		o.config = cfg
		return nil
	}
}

// WithConfigFile 从 JSON 或 YAML 文件加载配置
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configFile = path
		return nil
	}
}

// WithPreset 使用预设配置
func WithPreset(p *Preset) Option {
	return func(o *options) error {
		if p == nil {
			return fmt.Errorf("%w: nil preset", ErrInvalidOption)
		}
		o.preset = p
		return nil
	}
}

// WithTransport 选择传输实现：udp、quic 或 mem
func WithTransport(name string) Option {
	return func(o *options) error {
		switch name {
		case config.TransportUDP, config.TransportQUIC, config.TransportMem:
		default:
			return fmt.Errorf("%w: transport %q", ErrInvalidOption, name)
		}
		o.transport = name
		return nil
	}
}

// WithListen 设置本地绑定地址 "host:port"
func WithListen(addr string) Option {
	return func(o *options) error {
		if _, err := types.ParseEndpoint(addr); err != nil {
			return fmt.Errorf("%w: listen %q: %w", ErrInvalidOption, addr, err)
		}
		o.listen = addr
		return nil
	}
}

// WithMemNetwork 让 mem 传输挂在指定网络上，并隐含选择 mem 传输
func WithMemNetwork(n *MemNetwork) Option {
	return func(o *options) error {
		o.memNet = n
		o.transport = config.TransportMem
		return nil
	}
}

// WithClock 注入时钟，测试中配合 clock.NewMock 使用
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}

// WithMetrics 启用指标并注册到给定的 Registerer
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) error {
		if reg == nil {
			return fmt.Errorf("%w: nil registerer", ErrInvalidOption)
		}
		o.registry = reg
		return nil
	}
}

// WithFxOptions 追加自定义 Fx 选项
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.fxOptions = append(o.fxOptions, opts...)
		return nil
	}
}

// ============================================================================
//                              客户端选项
// ============================================================================

// WithToken 设置握手令牌
func WithToken(token []byte) Option {
	return func(o *options) error {
		o.token = token
		return nil
	}
}

// WithClientID 设置客户端标识
func WithClientID(id string) Option {
	return func(o *options) error {
		o.clientID = id
		return nil
	}
}

// WithFailFast 重连期间立即返回可重试错误，而不是排队等待新路由
func WithFailFast() Option {
	return func(o *options) error {
		o.tolerance = connmgr.FailFast
		return nil
	}
}

// WithZoneServer 在静态目录中登记一个区域服务器
func WithZoneServer(zone types.ZoneID, serverID, endpoint string) Option {
	return func(o *options) error {
		if _, err := types.ParseEndpoint(endpoint); err != nil {
			return fmt.Errorf("%w: zone %d endpoint: %w", ErrInvalidOption, zone, err)
		}
		o.zones = append(o.zones, config.ZoneServer{Zone: int32(zone), ServerID: serverID, Endpoint: endpoint})
		return nil
	}
}

// ============================================================================
//                              服务器选项
// ============================================================================

// WithServerID 设置服务器标识
func WithServerID(id string) Option {
	return func(o *options) error {
		o.serverID = id
		return nil
	}
}

// WithZone 设置服务器权威持有的区域
func WithZone(zone types.ZoneID) Option {
	return func(o *options) error {
		if !zone.Valid() {
			return fmt.Errorf("%w: zone %d", ErrInvalidOption, zone)
		}
		o.zone = &zone
		return nil
	}
}

// WithPushInterval 设置状态推送周期，0 关闭推送
func WithPushInterval(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("%w: push interval %s", ErrInvalidOption, d)
		}
		o.pushInterval = &d
		return nil
	}
}

// WithManifest 设置服务器初始 manifest
func WithManifest(m *manifest.Manifest) Option {
	return func(o *options) error {
		o.serverOpts = append(o.serverOpts, server.WithManifest(m))
		return nil
	}
}

// WithTokenValidator 设置令牌校验钩子
func WithTokenValidator(v interfaces.TokenValidator) Option {
	return func(o *options) error {
		o.serverOpts = append(o.serverOpts, server.WithTokenValidator(v))
		return nil
	}
}

// WithAdmitter 设置请求准入钩子
func WithAdmitter(a interfaces.RequestAdmitter) Option {
	return func(o *options) error {
		o.serverOpts = append(o.serverOpts, server.WithAdmitter(a))
		return nil
	}
}

// WithPayloadPolicy 设置载荷检查钩子
func WithPayloadPolicy(p interfaces.PayloadPolicy) Option {
	return func(o *options) error {
		o.serverOpts = append(o.serverOpts, server.WithPayloadPolicy(p))
		return nil
	}
}

// WithStateFunc 设置周期推送的状态来源
func WithStateFunc(fn server.StateFunc) Option {
	return func(o *options) error {
		o.serverOpts = append(o.serverOpts, server.WithStateFunc(fn))
		return nil
	}
}
