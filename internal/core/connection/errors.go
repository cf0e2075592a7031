package connection

import "errors"

var (
	// ErrTooManyPending 在途请求数达到上限
	ErrTooManyPending = errors.New("connection: too many pending requests")

	// ErrIdleTimeout 空闲窗口内没有任何流量
	ErrIdleTimeout = errors.New("connection: idle timeout")

	// ErrProtocolVersion 协议版本不兼容
	ErrProtocolVersion = errors.New("connection: unsupported protocol version")

	// ErrNotAcceptor 只有接受方可以执行该操作
	ErrNotAcceptor = errors.New("connection: operation requires acceptor role")
)
