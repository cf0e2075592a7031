package udp

import "errors"

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("udp: transport closed")

	// ErrNotStarted 传输尚未绑定本地端点
	ErrNotStarted = errors.New("udp: transport not started")

	// ErrAlreadyStarted 重复调用 Start
	ErrAlreadyStarted = errors.New("udp: transport already started")

	// ErrPayloadTooLarge 不可靠数据超过单个数据报容量
	ErrPayloadTooLarge = errors.New("udp: payload exceeds datagram size")

	// ErrSendBufferFull 可靠有序发送缓冲区已满
	ErrSendBufferFull = errors.New("udp: reliable send buffer full")

	// ErrInvalidClass 未知投递类别
	ErrInvalidClass = errors.New("udp: invalid delivery class")
)
