// Package metrics 提供 Prometheus 监控指标
//
// Reporter 是各组件依赖的记录接口，Collector 为基于 client_golang 的实现，
// Nop 在未启用指标时使用。
//
// # 指标
//
//   - connections：按状态统计的连接数
//   - dispatch_total：按结果统计的路由次数（ok / no_route / reconnecting / draining）
//   - request_duration_seconds：请求耗时，按结果分类
//   - zone_transitions_total：已提交的区域切换次数
//   - reconnect_attempts_total：按结果统计的重连尝试
//   - manifest_conflicts_total：manifest 合并冲突次数
//   - warm_connections：当前预建立连接数
//   - stalls_total：卡死检测触发次数
//
// # 使用示例
//
//	reg := prometheus.NewRegistry()
//	m, err := metrics.NewCollector("zonerpc", reg)
//	if err != nil {
//	    return err
//	}
//	m.Dispatch("ok")
package metrics
