package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dep2p/go-zonerpc"
	"github.com/dep2p/go-zonerpc/pkg/codec"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var (
	walkServers  []string
	walkPath     string
	walkSpeed    float64
	walkTick     time.Duration
	walkInterval time.Duration
	walkClientID string
	walkTokenEnv string
	walkMetrics  bool
	walkFailFast bool
)

var walkCmd = &cobra.Command{
	Use:   "walk",
	Short: "Walk a client along a path across zones",
	Long: `让一个客户端沿折线路径移动，周期调用 demo.echo，
打印区域切换、预连接与请求结果。

示例：
  zonerpc walk \
    --zone-server 0=zone-0@127.0.0.1:7000 \
    --zone-server 1=zone-1@127.0.0.1:7001 \
    --path 10,10:500,10 --speed 80`,
	RunE: runWalk,
}

func init() {
	f := walkCmd.Flags()
	f.StringArrayVarP(&walkServers, "zone-server", "s", nil, "区域服务器 zone=serverID@host:port，可重复")
	f.StringVarP(&walkPath, "path", "p", "", "路径 x1,y1:x2,y2:...（必需）")
	f.Float64Var(&walkSpeed, "speed", 100, "移动速度（单位/秒）")
	f.DurationVar(&walkTick, "tick", 100*time.Millisecond, "位置上报周期")
	f.DurationVar(&walkInterval, "call-interval", 500*time.Millisecond, "echo 调用周期")
	f.StringVar(&walkClientID, "client-id", "walk", "客户端标识")
	f.StringVar(&walkTokenEnv, "token-env", "", "从该环境变量读取握手令牌")
	f.BoolVar(&walkMetrics, "metrics", false, "启用 Prometheus 指标（经自省服务的 /metrics 暴露）")
	f.BoolVar(&walkFailFast, "fail-fast", false, "重连期间立即失败而不是排队")
	_ = walkCmd.MarkFlagRequired("path")
}

func runWalk(cmd *cobra.Command, _ []string) error {
	path, err := parsePath(walkPath)
	if err != nil {
		return err
	}
	if walkSpeed <= 0 || walkTick <= 0 {
		return errors.New("speed 与 tick 必须为正")
	}

	opts, err := commonOptions()
	if err != nil {
		return err
	}
	for _, s := range walkServers {
		zs, err := parseZoneServer(s)
		if err != nil {
			return err
		}
		opts = append(opts, zonerpc.WithZoneServer(types.ZoneID(zs.Zone), zs.ServerID, zs.Endpoint))
	}
	opts = append(opts, zonerpc.WithClientID(walkClientID))
	if walkTokenEnv != "" {
		opts = append(opts, zonerpc.WithToken([]byte(os.Getenv(walkTokenEnv))))
	}
	if walkFailFast {
		opts = append(opts, zonerpc.WithFailFast())
	}
	var reg *prometheus.Registry
	if walkMetrics {
		reg = prometheus.NewRegistry()
		opts = append(opts, zonerpc.WithMetrics(reg))
	}

	cli, err := zonerpc.NewClient(opts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var pushes atomic.Int64
	cli.OnPush(func(string, *zonerpc.Push) { pushes.Add(1) })
	cli.OnTransition(func(tr zonerpc.Transition, auth types.ServerInfo) {
		fmt.Fprintf(out, "↪ 区域切换 %s → %s，权威服务器 %s\n", tr.From, tr.To, auth.ServerID)
	})
	cli.OnHardFailure(func(info types.ServerInfo, err error) {
		fmt.Fprintf(out, "✗ 放弃重连 %s: %v\n", info.ServerID, err)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Start(ctx, path[0]); err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer cli.Close()
	fmt.Fprintf(out, "已连接区域 %s（%s），开始移动\n", cli.Zone(), cli.Authoritative().ServerID)

	intro, err := startIntrospect(ctx, cli, reg)
	if err != nil {
		return err
	}
	if intro != nil {
		defer intro.Stop()
	}

	c := codec.Proto()
	points := waypoints(path, walkSpeed*walkTick.Seconds())
	moveTk := time.NewTicker(walkTick)
	defer moveTk.Stop()
	callTk := time.NewTicker(walkInterval)
	defer callTk.Stop()

	var ok, failed int
	current := path[0]
	for i := 0; i < len(points); {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\n已中断")
			i = len(points)
		case <-moveTk.C:
			current = points[i]
			cli.UpdatePosition(current)
			i++
		case <-callTk.C:
			resp, err := echo(ctx, cli, c, fmt.Sprintf("at %s", current))
			if err != nil {
				failed++
				fmt.Fprintf(out, "  %s 调用失败: %v\n", current, err)
				continue
			}
			ok++
			fmt.Fprintf(out, "  %s → %s\n", current, resp)
		}
	}

	snap := cli.Snapshot()
	fmt.Fprintf(out, "结束于区域 %s：成功 %d，失败 %d，收到推送 %d，连接 %d，预连接 %v\n",
		snap.Zone, ok, failed, pushes.Load(), len(snap.Connections), snap.WarmZones)
	return nil
}

func echo(ctx context.Context, cli *zonerpc.Client, c *codec.ProtoCodec, msg string) (string, error) {
	args, err := c.Marshal(wrapperspb.String(msg))
	if err != nil {
		return "", err
	}
	data, err := cli.Call(ctx, zonerpc.Request{
		TargetZone:  types.NoZone,
		InterfaceID: echoInterface,
		MethodID:    echoMethod,
		Args:        args,
		Idempotent:  true,
	})
	if err != nil {
		return "", err
	}
	var resp wrapperspb.StringValue
	if err := c.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}

// ============================================================================
//                              参数解析
// ============================================================================

// parsePath 解析 "x1,y1:x2,y2:..."
func parsePath(s string) ([]types.Position, error) {
	parts := splitAndTrim(s, ":")
	if len(parts) == 0 {
		return nil, errors.New("路径为空")
	}
	path := make([]types.Position, 0, len(parts))
	for _, p := range parts {
		xy := strings.Split(p, ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("路径点 %q 应为 x,y", p)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("路径点 %q: %w", p, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("路径点 %q: %w", p, err)
		}
		path = append(path, types.Position{X: x, Y: y})
	}
	return path, nil
}

// zoneServer 一条 --zone-server 参数
type zoneServer struct {
	Zone     int32
	ServerID string
	Endpoint string
}

// parseZoneServer 解析 "zone=serverID@host:port"
func parseZoneServer(s string) (zoneServer, error) {
	zonePart, rest, ok := strings.Cut(s, "=")
	if !ok {
		return zoneServer{}, fmt.Errorf("区域服务器 %q 应为 zone=serverID@host:port", s)
	}
	zone, err := strconv.ParseInt(strings.TrimSpace(zonePart), 10, 32)
	if err != nil || zone < 0 {
		return zoneServer{}, fmt.Errorf("区域服务器 %q: 无效区域", s)
	}
	id, ep, ok := strings.Cut(rest, "@")
	if !ok || id == "" {
		return zoneServer{}, fmt.Errorf("区域服务器 %q 缺少 serverID@", s)
	}
	if _, err := types.ParseEndpoint(ep); err != nil {
		return zoneServer{}, fmt.Errorf("区域服务器 %q: %w", s, err)
	}
	return zoneServer{Zone: int32(zone), ServerID: id, Endpoint: ep}, nil
}

// waypoints 把折线按固定步长切分，包含终点，不含起点
func waypoints(path []types.Position, step float64) []types.Position {
	var out []types.Position
	for i := 1; i < len(path); i++ {
		from, to := path[i-1], path[i]
		dist := from.Distance(to)
		n := int(math.Ceil(dist / step))
		for k := 1; k <= n; k++ {
			frac := float64(k) / float64(n)
			out = append(out, types.Position{
				X: from.X + (to.X-from.X)*frac,
				Y: from.Y + (to.Y-from.Y)*frac,
			})
		}
	}
	return out
}
