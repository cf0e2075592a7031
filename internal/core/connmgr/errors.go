package connmgr

import "errors"

// 连接管理器错误定义
var (
	// ErrManagerClosed 管理器已关闭
	ErrManagerClosed = errors.New("connmgr: manager closed")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("connmgr: invalid config")

	// ErrReconnectQueueFull 重连等待队列已满
	ErrReconnectQueueFull = errors.New("connmgr: reconnect queue full")

	// ErrUnknownServer 服务器不在路由表中
	ErrUnknownServer = errors.New("connmgr: unknown server")
)
