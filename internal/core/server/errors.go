package server

import "errors"

var (
	// ErrServerClosed 服务器已停止
	ErrServerClosed = errors.New("server: closed")

	// ErrAlreadyStarted 服务器已启动
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("server: invalid config")

	// ErrAdmission 请求未通过准入
	ErrAdmission = errors.New("server: request not admitted")

	// ErrPayloadRejected 载荷未通过检查
	ErrPayloadRejected = errors.New("server: payload rejected")
)
