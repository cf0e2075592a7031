package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dep2p/go-zonerpc"
	"github.com/dep2p/go-zonerpc/internal/core/introspect"
	"github.com/dep2p/go-zonerpc/pkg/codec"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var (
	serveZone     int32
	serveID       string
	serveListen   string
	servePush     time.Duration
	serveMetrics  bool
	serveTokenEnv string
	serveMaxRPS   float64
	serveBurst    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a zone server",
	Long: `运行一个区域服务器，暴露 demo.echo 接口并周期推送状态。

示例：
  # 区域 0，监听 7000 端口
  zonerpc serve --zone 0 --listen 0.0.0.0:7000

  # 从配置文件读取，开启指标与自省服务
  zonerpc serve -c zone1.yaml --metrics --introspect 127.0.0.1:6061`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Int32VarP(&serveZone, "zone", "z", 0, "权威持有的区域")
	f.StringVar(&serveID, "server-id", "", "服务器标识（默认 zone-<zone>）")
	f.StringVarP(&serveListen, "listen", "l", "0.0.0.0:7000", "监听地址")
	f.DurationVar(&servePush, "push-interval", 100*time.Millisecond, "状态推送周期，0 关闭")
	f.BoolVar(&serveMetrics, "metrics", false, "启用 Prometheus 指标（经自省服务的 /metrics 暴露）")
	f.StringVar(&serveTokenEnv, "token-env", "", "从该环境变量读取握手令牌，非空时校验客户端令牌")
	f.Float64Var(&serveMaxRPS, "max-rps", 0, "每个连接每秒请求上限，0 不限")
	f.IntVar(&serveBurst, "burst", 20, "配合 --max-rps 的突发请求数")
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts, err := commonOptions()
	if err != nil {
		return err
	}

	id := serveID
	if id == "" {
		id = fmt.Sprintf("zone-%d", serveZone)
	}
	opts = append(opts,
		zonerpc.WithServerID(id),
		zonerpc.WithZone(types.ZoneID(serveZone)),
		zonerpc.WithListen(serveListen),
		zonerpc.WithPushInterval(servePush),
		zonerpc.WithManifest(echoManifest(id)),
		zonerpc.WithStateFunc(tickState(codec.Proto())),
	)
	if serveTokenEnv != "" {
		opts = append(opts, zonerpc.WithTokenValidator(tokenValidator(os.Getenv(serveTokenEnv))))
	}
	if serveMaxRPS > 0 {
		admitter, err := newRateAdmitter(serveMaxRPS, serveBurst)
		if err != nil {
			return err
		}
		opts = append(opts, zonerpc.WithAdmitter(admitter))
	}
	var reg *prometheus.Registry
	if serveMetrics {
		reg = prometheus.NewRegistry()
		opts = append(opts, zonerpc.WithMetrics(reg))
	}

	srv, err := zonerpc.NewServer(echoInvoker(codec.Proto(), id), opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	defer srv.Close()

	intro, err := startIntrospect(ctx, srv, reg)
	if err != nil {
		return err
	}
	if intro != nil {
		defer intro.Stop()
	}

	info := srv.Info()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📦 %s\n", zonerpc.VersionInfo())
	fmt.Fprintf(out, "区域服务器 %s 持有区域 %d，监听 %s（%s）\n",
		info.ServerID, info.ZoneID, info.Endpoint, srv.Config().Transport.Name)
	fmt.Fprintln(out, "按 Ctrl+C 退出")
	logger.Info("区域服务器运行中", "server", info.ServerID, "zone", info.ZoneID, "endpoint", info.Endpoint.String())

	<-ctx.Done()
	fmt.Fprintln(out, "\n正在排空连接...")
	return nil
}

// startIntrospect 设置了 --introspect 时启动自省服务
func startIntrospect(ctx context.Context, src introspect.Source, reg *prometheus.Registry) (*introspect.Server, error) {
	if introAddr == "" {
		return nil, nil
	}
	cfg := introspect.Config{Addr: introAddr, Source: src}
	if reg != nil {
		cfg.Gatherer = reg
	}
	s := introspect.New(cfg)
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("启动自省服务失败: %w", err)
	}
	return s, nil
}
