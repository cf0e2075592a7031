// Package connection 实现单个对端连接
//
// 每个 Connection 绑定一个传输层连接，拥有握手状态机、对端 manifest、
// 在途请求表和有界接收队列。
//
// # 状态机
//
//	Connecting → HandshakePending → Connected → Draining → Closed
//	                 任意非 Closed 状态 ──(传输错误/握手拒绝/空闲超时)──→ Failed
//
// # 握手
//
// 发起方发送 Hello{版本, 令牌}；接受方通过 TokenValidator 校验令牌，
// 接受时回复 manifest，拒绝时回复原因。发起方收到 manifest 后才进入 Connected。
// 令牌被拒绝是终态，错误为 types.ErrHandshakeRejected。
//
// # 并发模型
//
// 传输层回调只做解码和入队，帧在连接自己的处理协程中执行。
// OnRequest / OnPush / OnManifest / OnGoodbye 回调在处理协程中同步执行，
// 不得阻塞，也不得调用 Close；OnStateChange 在独立协程中异步执行。
//
// # 使用示例
//
//	c, err := connection.Dial(ctx, connection.DialParams{
//	    Transport: tr,
//	    Remote:    ep,
//	    Token:     token,
//	    Config:    connection.DefaultConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	result, err := c.Call(ctx, connection.Request{InterfaceID: "inventory", MethodID: 1, Args: args})
package connection
