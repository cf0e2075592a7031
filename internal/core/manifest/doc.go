// Package manifest 实现服务清单与合并视图
//
// 每个连接持有一份不可变的 Manifest（serviceInterfaceId → implementationTypeId
// 以及方法签名）。Merger 把所有连接的清单合并为只读的 View：
//
//   - 写时复制：新快照构造完成后原子替换，读取方无需加锁
//   - 增量重算：只重算变更来源涉及的接口
//   - 冲突策略可配置：LastWriteWins（默认）、FirstWriteWins、PreferPrimary
//
// 没有冲突时合并结果与来源加入顺序无关。
package manifest
