// Package types 定义 zonerpc 的公共类型
//
// 包含端点、投递类别、区域、坐标、服务器信息、连接状态以及错误分类。
// 这些类型被传输层、连接、连接管理器与客户端韧性控制器共享，不依赖任何内部包。
package types
