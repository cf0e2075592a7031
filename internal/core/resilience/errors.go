package resilience

import "errors"

var (
	// ErrGaveUp 重连次数或失败比例超限，放弃重连
	ErrGaveUp = errors.New("resilience: gave up reconnecting")

	// ErrNoServer 目录中没有该位置或区域的服务器
	ErrNoServer = errors.New("resilience: no server for zone")

	// ErrAlreadyStarted 控制器已启动
	ErrAlreadyStarted = errors.New("resilience: controller already started")
)
