package types

import (
	"fmt"
	"math"
	"strconv"
)

// ZoneID 区域标识
//
// 模拟世界中一个分区的全局唯一编号。每个区域在任意时刻至多由一个权威服务器持有。
type ZoneID int32

// NoZone 表示未指定区域
const NoZone ZoneID = -1

// Valid 是否为有效区域
func (z ZoneID) Valid() bool {
	return z >= 0
}

// String 返回区域编号字符串
func (z ZoneID) String() string {
	if !z.Valid() {
		return "none"
	}
	return strconv.Itoa(int(z))
}

// ZoneRef 返回指向 z 的指针，便于构造可选的目标区域
func ZoneRef(z ZoneID) *ZoneID {
	return &z
}

// Position 模拟世界中的二维坐标
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Distance 返回两点间欧氏距离
func (p Position) Distance(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Offset 返回偏移后的坐标
func (p Position) Offset(dx, dy float64) Position {
	return Position{X: p.X + dx, Y: p.Y + dy}
}

// String 返回 "(x, y)"
func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// ServerInfo 区域目录返回的服务器信息
type ServerInfo struct {
	ServerID string
	Endpoint Endpoint
	ZoneID   ZoneID
}

// String 返回 "serverID@endpoint#zone"
func (s ServerInfo) String() string {
	return fmt.Sprintf("%s@%s#%s", s.ServerID, s.Endpoint, s.ZoneID)
}
