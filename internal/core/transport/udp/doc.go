// Package udp 实现基于原始数据报的线路传输
//
// 一个 net.PacketConn 承载所有连接，连接由 (远端地址, connID) 标识。
//
// # 线程模型
//
//   - 读循环（事件泵）只解析包头并更新协议状态，不执行任何回调
//   - 每个连接一个分发协程，按到达顺序执行 ConnHandler 回调
//   - 重传协程按 RetransmitInterval 扫描未确认分片和未完成的握手
//
// 分发队列有界。不可靠与有序不可靠数据在队列满时丢弃；
// 可靠有序数据留在重组缓冲区，缓冲区满时停止确认，由对端重传，形成背压。
//
// # 握手
//
//	initiator              acceptor
//	  SYN(connID)  ───────►
//	               ◄───────  SYNACK     （未设置入站回调时回复 RST）
//
// SYN 每 250ms 重发一次，直到收到 SYNACK、RST 或超时。
package udp
