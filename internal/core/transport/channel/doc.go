// Package channel 实现投递类别的协议状态
//
// 只包含纯状态机，不做任何 I/O：
//
//   - Header: 数据包头编解码
//   - ReliableSender / ReliableReceiver: 可靠有序通道（分片、窗口、重传、重组）
//   - SequencedFilter: 有序不可靠通道（丢弃旧包和重复包）
//
// udp 与 quic 传输共享这些状态机。
package channel
