// Package main 提供 zonerpc 命令行入口
//
//	zonerpc serve --zone 0 --listen 0.0.0.0:7000
//	zonerpc walk --zone-server 0=zone-0@127.0.0.1:7000 --path 10,10:300,10
package main

func main() {
	Execute()
}
