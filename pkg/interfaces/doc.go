// Package interfaces 定义 zonerpc 的组件接口
//
// 包含线路传输抽象（Transport / TransportConn / ConnHandler）、
// 区域目录与几何查询接口，以及由外部实现的策略钩子：
// 令牌校验、请求准入、载荷安全检查、服务调用与参数编解码。
//
// 本包只依赖 pkg/types，内部实现位于 internal/。
package interfaces
