// Package zonerpc 提供按区域分区的多人实时 RPC 传输
//
// 世界被划分为网格区域，每个区域由一个服务器进程权威持有。
// 客户端随位置移动在区域间切换，切换前预先连接邻近区域，
// 使权威切换只是一次指针替换而不是冷连接。
//
// # 核心概念
//
//   - Server: 区域服务器，接受连接，把请求交给 Invoker 执行
//   - Client: 区域客户端，按目标区域路由请求，自动预连接与重连
//   - Manifest: 服务器暴露的服务接口集合，客户端合并所有连接的视图
//
// # 快速开始
//
//	srv, _ := zonerpc.NewServer(invoker,
//	    zonerpc.WithServerID("zone-0"),
//	    zonerpc.WithZone(0),
//	    zonerpc.WithListen("0.0.0.0:7000"),
//	)
//	srv.Start(ctx)
//	defer srv.Close()
//
//	cli, _ := zonerpc.NewClient(
//	    zonerpc.WithZoneServer(0, "zone-0", "10.0.0.1:7000"),
//	    zonerpc.WithZoneServer(1, "zone-1", "10.0.0.2:7000"),
//	)
//	cli.Start(ctx, types.Position{X: 10, Y: 10})
//	defer cli.Close()
//
//	resp, err := cli.Call(ctx, zonerpc.Request{
//	    TargetZone:  types.NoZone,
//	    InterfaceID: "inventory",
//	    Args:        args,
//	    Idempotent:  true,
//	})
//
// # 文件组织
//
//	zonerpc/
//	├── doc.go       # 包文档
//	├── version.go   # 版本信息
//	├── client.go    # Client：启动、请求、状态查询、事件
//	├── server.go    # Server：启动、推送、manifest 更新
//	├── fx.go        # Fx 模块组装
//	├── options.go   # WithXxx 配置选项
//	├── presets.go   # 预设配置（LAN、Internet、Test）
//	├── types.go     # 内部类型别名
//	└── errors.go    # 错误定义
//
// # 分层
//
//	┌─────────────────────────────────────────────────────────────┐
//	│  API        zonerpc.NewClient / zonerpc.NewServer           │
//	├─────────────────────────────────────────────────────────────┤
//	│  Resilience 预连接、切换检测、重连监督、停滞看门狗            │
//	├─────────────────────────────────────────────────────────────┤
//	│  ConnMgr    路由表、区域分发、合并 manifest                  │
//	├─────────────────────────────────────────────────────────────┤
//	│  Connection 握手、心跳、请求/响应、排空                      │
//	├─────────────────────────────────────────────────────────────┤
//	│  Transport  udp / quic / mem，三种投递类别                   │
//	└─────────────────────────────────────────────────────────────┘
package zonerpc
