// Package server 实现区域服务器的接受方
//
// 服务器在传输层上接受入站连接并完成接受方握手，随后：
//
//   - 令牌校验、请求准入、载荷检查均为注入的策略钩子
//   - 请求交给注入的 interfaces.Invoker 执行，响应按请求 ID 缓存，
//     客户端重新提交同一请求时直接回复缓存结果
//   - 按 PushInterval 向所有连接推送状态更新（有序不可靠类别），
//     客户端的卡死检测依赖这些推送
//   - UpdateManifest 向所有连接重新协商 manifest
//
// 使用示例：
//
//	srv, err := server.New(cfg, tr, invoker, server.WithManifest(man))
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
package server
