// Package connmgr 实现客户端连接管理器
//
// 管理器持有客户端到各区域服务器的全部连接，按服务器 ID 索引，
// 并维护区域到服务器的映射：
//
//	zone ──► serverID ──► *connection.Connection
//
// 路由表以写时复制方式整体替换，Dispatch 只做一次原子加载，
// 读多写少场景下不与连接建立/断开竞争锁。同一服务器 ID 任意时刻
// 最多一个存活连接，重连时通过 Replace 显式替换。
//
// 各连接的 manifest 由 manifest.Merger 增量合并为只读视图，
// 通过 Merged 获取快照。
//
// 请求调用：
//
//	data, err := mgr.Call(ctx, connection.Request{
//	    TargetZone:  2,
//	    InterfaceID: "inventory",
//	    MethodID:    1,
//	    Args:        payload,
//	}, connmgr.QueueDuringReconnect)
//
// 目标服务器重连期间，QueueDuringReconnect 让请求在有界队列中等待
// 新路由发布；FailFast 立即返回 types.ErrReconnecting。
// 返回的错误为 *types.RequestError，其 Retry 字段区分
// “传输层正在恢复”与“已失败、不会重试”。
package connmgr
