package interfaces

import (
	"context"
	"time"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Transport 线路传输接口
//
// 每个 UDP 库一个实现，启动时选定一次并作为依赖注入连接管理器。
// 实现必须保证：
//   - TransportConn.Close 返回后不再触发该连接的任何回调
//   - Send 永不阻塞调用方：要么入队，要么立即返回错误
//   - 接收到的数据包交给每连接的分发协程，不在轮询循环中同步处理
type Transport interface {
	// Name 返回传输名称（"udp"、"quic"、"mem"）
	Name() string

	// Start 绑定本地端点并启动事件泵
	Start(bind types.Endpoint) error

	// Connect 连接远端端点
	//
	// 超时未收到握手确认返回 types.ErrTransportTimeout，
	// 对端主动拒绝返回 types.ErrTransportRejected。
	Connect(ctx context.Context, remote types.Endpoint, timeout time.Duration) (TransportConn, error)

	// SetEstablishedHandler 设置入站连接建立回调
	//
	// 未设置时入站连接会被拒绝。
	SetEstablishedHandler(h EstablishedHandler)

	// LocalEndpoint 返回实际绑定的本地端点
	LocalEndpoint() types.Endpoint

	// Close 关闭传输及其所有连接
	Close() error
}

// EstablishedHandler 入站连接建立回调
type EstablishedHandler func(conn TransportConn)

// TransportConn 传输层连接句柄
type TransportConn interface {
	// ID 返回连接句柄 ID
	ID() string

	// RemoteEndpoint 返回远端端点
	RemoteEndpoint() types.Endpoint

	// SetHandler 设置数据与关闭回调
	//
	// 设置之前到达的数据会在队列中等待。回调在每连接的分发协程中执行，
	// 回调内部不得调用 Close。
	SetHandler(h ConnHandler)

	// Send 以指定投递类别发送数据
	Send(data []byte, class types.DeliveryClass) error

	// Flush 等待所有可靠有序数据被确认
	Flush(ctx context.Context) error

	// Close 关闭连接，返回后不再触发回调
	Close() error
}

// ConnHandler 连接事件回调
type ConnHandler interface {
	// DataReceived 收到数据
	DataReceived(data []byte, class types.DeliveryClass)

	// ConnectionClosed 连接被远端关闭或因传输错误失效
	ConnectionClosed(err error)
}
