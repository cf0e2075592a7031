package udp

import (
	"net"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Network 数据报网络抽象
//
// 生产环境使用 OSNetwork；测试使用 memnet.Network 注入丢包和乱序。
type Network interface {
	ListenPacket(bind string) (net.PacketConn, error)
	ResolveAddr(ep types.Endpoint) (net.Addr, error)
}

// OSNetwork 操作系统 UDP 网络
type OSNetwork struct{}

// ListenPacket 绑定 UDP 地址
func (OSNetwork) ListenPacket(bind string) (net.PacketConn, error) {
	return net.ListenPacket("udp", bind)
}

// ResolveAddr 解析 UDP 地址
func (OSNetwork) ResolveAddr(ep types.Endpoint) (net.Addr, error) {
	return ep.UDPAddr()
}
