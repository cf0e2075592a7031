package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-zonerpc"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
)

var logger = log.Logger("zonerpc/cmd")

// 全局参数
var (
	configFile string
	presetName string
	transport  string
	logLevel   string
	logJSON    bool
	introAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "zonerpc",
	Short: "Zone-partitioned RPC transport for real-time multiplayer",
	Long: `zonerpc 按区域分区的实时多人 RPC 传输。

serve 运行一个区域服务器，walk 让一个客户端沿路径移动，
观察预连接、区域切换与重连。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		applyEnvOverrides(cmd)
		level := log.ParseLevel(logLevel)
		if logJSON {
			log.SetJSONOutput(os.Stderr, level)
		} else {
			log.SetOutput(os.Stderr, level)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), zonerpc.VersionInfo())
	},
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "配置文件路径 (.json / .yaml)")
	pf.StringVar(&presetName, "preset", "", "预设配置 (lan / internet / test)")
	pf.StringVarP(&transport, "transport", "t", "", "传输实现 (udp / quic / mem)")
	pf.StringVar(&logLevel, "log-level", "info", "日志级别 (debug / info / warn / error)")
	pf.BoolVar(&logJSON, "log-json", false, "以 JSON 输出日志")
	pf.StringVar(&introAddr, "introspect", "", "自省 HTTP 服务地址，如 127.0.0.1:6060")

	rootCmd.AddCommand(versionCmd, serveCmd, walkCmd)
}

// commonOptions 由全局参数生成的选项
//
// 配置优先级（从高到低）：命令行参数 → 环境变量 → 配置文件 → 预设默认值。
func commonOptions() ([]zonerpc.Option, error) {
	var opts []zonerpc.Option
	if configFile != "" {
		opts = append(opts, zonerpc.WithConfigFile(configFile))
	}
	if presetName != "" {
		p, ok := zonerpc.PresetByName(presetName)
		if !ok {
			return nil, fmt.Errorf("未知预设 %q", presetName)
		}
		opts = append(opts, zonerpc.WithPreset(p))
	}
	if transport != "" {
		opts = append(opts, zonerpc.WithTransport(transport))
	}
	return opts, nil
}
