// Package quic 实现基于 QUIC 的线路传输
//
// 与 udp 传输提供相同的三种投递类别：
//
//   - 可靠有序：每个连接一条双向流，帧为 4 字节长度前缀 + 数据
//   - 不可靠：QUIC 数据报，首字节为投递类别
//   - 有序不可靠：QUIC 数据报，类别字节后跟 4 字节序号，接收端丢弃旧包和重复包
//
// 监听和拨号共享同一个 UDP socket 与 quic.Transport。
//
// # 建连
//
// 发起方打开双向流并写入前导字节，接受方回写确认字节。
// 未设置入站回调时接受方以 codeRejected 关闭连接，发起方得到 ErrTransportRejected。
package quic
