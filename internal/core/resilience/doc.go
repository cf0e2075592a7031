// Package resilience 实现客户端韧性控制
//
// 在连接管理器之上协同运行四个部件：
//
//   - WarmSet：位置进入相邻区域边界 D1 范围内时在后台预先建立暖连接，
//     超出 D2（D2 > D1）时拆除，两条距离带形成滞回；建立失败的区域按退避重试
//   - TransitionDetector：候选区域必须越过边界达到再入阈值、
//     保持稳定至少确认延迟，并且滚动窗口内的提交数未达上限，才提交区域切换
//   - Supervisor：权威连接或暖连接失效后按指数退避重连，统计每个服务器的
//     滚动成功/失败次数，决定继续重试还是上报硬失败
//   - Watchdog：连接自称 Connected 但状态推送停止超过阈值时强制重连
//
// 距离检查与看门狗由 PausableTicker 驱动。区域切换期间两个定时器
// 被暂停而不是销毁，切换完成后恢复。
//
// 使用示例：
//
//	ctrl, err := resilience.NewController(cfg, mgr, directory, geometry)
//	if err := ctrl.Start(ctx, spawnPosition); err != nil {
//	    return err
//	}
//	defer ctrl.Stop(context.Background())
//
//	for pos := range movement {
//	    ctrl.UpdatePosition(pos)
//	}
package resilience
