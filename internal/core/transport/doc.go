// Package transport 按配置选择线路传输实现
//
// 进程启动时根据 config.TransportConfig.Name 选定一次：
//
//   - udp (默认)：自实现的 UDP 可靠层，见 transport/udp
//   - quic：基于 quic-go，见 transport/quic
//   - mem：udp 传输跑在进程内 memnet 网络上，用于测试与演示
//
// 上层只依赖 interfaces.Transport，不感知具体实现。
//
// # 使用示例
//
//	tr, err := transport.New(cfg.Transport)
//	if err != nil {
//	    return err
//	}
//	if err := transport.Start(tr, cfg.Transport); err != nil {
//	    return err
//	}
//	defer tr.Close()
package transport
