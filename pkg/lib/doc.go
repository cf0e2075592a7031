// Package lib 包含与架构组件无关的基础设施工具库
//
//   - log: 基于 log/slog 的组件日志封装
//
// pkg/ 下另有 interfaces/（组件接口）、types/（公共类型）与 codec/（参数编解码）。
//
//	import "github.com/dep2p/go-zonerpc/pkg/lib/log"
//
//	var logger = log.Logger("core/server")
package lib
