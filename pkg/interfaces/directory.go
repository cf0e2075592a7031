package interfaces

import (
	"context"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

// ZoneDirectory 区域目录查询接口
//
// 由服务器注册服务实现，连接管理器只通过这个窄接口查询。
// 查不到时返回 (nil, nil)。
type ZoneDirectory interface {
	// ResolveServerForZone 查询区域的权威服务器
	ResolveServerForZone(ctx context.Context, zone types.ZoneID) (*types.ServerInfo, error)

	// ResolveServerForPosition 查询坐标所在区域的权威服务器
	ResolveServerForPosition(ctx context.Context, pos types.Position) (*types.ServerInfo, error)
}

// ZoneGeometry 区域几何信息
//
// 客户端韧性控制器用它计算距离带和越界深度，均为本地计算。
type ZoneGeometry interface {
	// ZoneAt 返回坐标所在区域
	ZoneAt(pos types.Position) (types.ZoneID, bool)

	// Penetration 返回坐标进入区域边界的深度
	//
	// 在区域内部时为到最近的相邻区域边界的距离（正数），在外部时为负的距离。
	Penetration(pos types.Position, zone types.ZoneID) float64

	// NeighborsWithin 返回距离坐标不超过 radius 的其他区域
	NeighborsWithin(pos types.Position, radius float64) []types.ZoneID
}
