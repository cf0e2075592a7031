package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "ZONERPC_"

// applyEnvOverrides 用环境变量填充未在命令行显式设置的参数
//
// 环境变量优先级高于配置文件，但低于命令行参数。
// 参数名转为大写并把 "-" 换成 "_"，例如：
//   - ZONERPC_PRESET: 预设名称
//   - ZONERPC_LISTEN: 监听地址
//   - ZONERPC_ZONE_SERVER: 区域服务器（逗号分隔）
//   - ZONERPC_LOG_LEVEL: 日志级别
func applyEnvOverrides(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(splitAndTrim(v, ",")); err != nil {
				logger.Warn("忽略无效环境变量", "name", envName(f.Name), "error", err)
			}
			return
		}
		if err := f.Value.Set(strings.TrimSpace(v)); err != nil {
			logger.Warn("忽略无效环境变量", "name", envName(f.Name), "error", err)
		}
	})
}

func envName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// splitAndTrim 分割字符串并去除空白
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
