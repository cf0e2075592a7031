// Package types 定义 zonerpc 的公共类型
package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint 网络端点
//
// Host + Port + 支持的投递类别集合。Connection 创建后不再修改。
type Endpoint struct {
	Host    string
	Port    int
	Classes DeliveryClassSet
}

// NewEndpoint 创建支持全部投递类别的端点
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port, Classes: AllDeliveryClasses}
}

// ParseEndpoint 解析 "host:port" 格式
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", s)
	}
	return NewEndpoint(host, port), nil
}

// String 返回 "host:port"
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero 是否为空端点
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// Supports 检查端点是否支持指定投递类别
func (e Endpoint) Supports(c DeliveryClass) bool {
	if e.Classes == 0 {
		return true
	}
	return e.Classes.Has(c)
}

// UDPAddr 解析为 *net.UDPAddr
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.String())
}
