package transport

import "errors"

var (
	// ErrUnknownTransport 未知的传输实现名称
	ErrUnknownTransport = errors.New("transport: unknown transport")
)
