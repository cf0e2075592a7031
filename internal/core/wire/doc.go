// Package wire 实现应用层帧编解码
//
// 帧使用 protobuf 线格式（protowire）手工编码，信封是一个 oneof：
//
//	message Frame {
//	  oneof body {
//	    Hello hello = 1;
//	    HelloReply hello_reply = 2;
//	    Request request = 3;
//	    Response response = 4;
//	    Heartbeat heartbeat = 5;
//	    Manifest manifest_update = 6;
//	    Push push = 7;
//	    Goodbye goodbye = 8;
//	  }
//	}
//
// 未知字段会被跳过，便于协议向前兼容。
//
// # 压缩
//
// 请求参数与响应结果超过阈值时使用 s2 压缩，并在 flags 中置 FlagCompressed。
package wire
