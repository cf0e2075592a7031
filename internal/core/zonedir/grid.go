package zonedir

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dep2p/go-zonerpc/config"
	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/lib/log"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var logger = log.Logger("core/zonedir")

// 确保实现了接口
var (
	_ interfaces.ZoneDirectory = (*Grid)(nil)
	_ interfaces.ZoneGeometry  = (*Grid)(nil)
)

// Config 网格配置
type Config struct {
	CellSize float64
	Columns  int
	Rows     int

	// Servers 初始区域分配
	Servers []types.ServerInfo
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{CellSize: 256, Columns: 4, Rows: 4}
}

// ConfigFromUnified 从统一配置创建网格配置
func ConfigFromUnified(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return DefaultConfig(), nil
	}
	d := cfg.Directory
	c := Config{CellSize: d.CellSize, Columns: d.Columns, Rows: d.Rows}
	for _, s := range d.Servers {
		ep, err := types.ParseEndpoint(s.Endpoint)
		if err != nil {
			return Config{}, fmt.Errorf("zone %d: %w", s.Zone, err)
		}
		c.Servers = append(c.Servers, types.ServerInfo{
			ServerID: s.ServerID,
			Endpoint: ep,
			ZoneID:   types.ZoneID(s.Zone),
		})
	}
	return c, nil
}

// Grid 静态网格区域目录
type Grid struct {
	cell    float64
	columns int
	rows    int

	mu      sync.RWMutex
	servers map[types.ZoneID]types.ServerInfo
}

// NewGrid 创建网格并登记初始分配
func NewGrid(cfg Config) (*Grid, error) {
	if cfg.CellSize <= 0 || cfg.Columns < 1 || cfg.Rows < 1 {
		return nil, fmt.Errorf("%w: cell=%g columns=%d rows=%d", ErrInvalidGrid, cfg.CellSize, cfg.Columns, cfg.Rows)
	}
	g := &Grid{
		cell:    cfg.CellSize,
		columns: cfg.Columns,
		rows:    cfg.Rows,
		servers: make(map[types.ZoneID]types.ServerInfo),
	}
	for _, s := range cfg.Servers {
		if err := g.Register(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ============================================================================
//                              目录
// ============================================================================

// Register 登记服务器持有的区域，覆盖之前的分配
func (g *Grid) Register(info types.ServerInfo) error {
	if info.ServerID == "" {
		return ErrEmptyServerID
	}
	if !g.contains(info.ZoneID) {
		return fmt.Errorf("%w: %s", ErrZoneOutOfGrid, info.ZoneID)
	}

	g.mu.Lock()
	prev, had := g.servers[info.ZoneID]
	g.servers[info.ZoneID] = info
	g.mu.Unlock()

	if had && prev.ServerID != info.ServerID {
		logger.Info("区域易主", "zone", info.ZoneID, "from", prev.ServerID, "to", info.ServerID)
	}
	return nil
}

// Unregister 注销服务器持有的全部区域
func (g *Grid) Unregister(serverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for z, s := range g.servers {
		if s.ServerID == serverID {
			delete(g.servers, z)
		}
	}
}

// Servers 返回全部分配，按区域排序
func (g *Grid) Servers() []types.ServerInfo {
	g.mu.RLock()
	out := make([]types.ServerInfo, 0, len(g.servers))
	for _, s := range g.servers {
		out = append(out, s)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}

// ResolveServerForZone 实现 interfaces.ZoneDirectory
func (g *Grid) ResolveServerForZone(_ context.Context, zone types.ZoneID) (*types.ServerInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info, ok := g.servers[zone]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// ResolveServerForPosition 实现 interfaces.ZoneDirectory
func (g *Grid) ResolveServerForPosition(ctx context.Context, pos types.Position) (*types.ServerInfo, error) {
	zone, ok := g.ZoneAt(pos)
	if !ok {
		return nil, nil
	}
	return g.ResolveServerForZone(ctx, zone)
}

// ============================================================================
//                              几何
// ============================================================================

// Zones 返回区域总数
func (g *Grid) Zones() int {
	return g.columns * g.rows
}

// ZoneAt 实现 interfaces.ZoneGeometry
func (g *Grid) ZoneAt(pos types.Position) (types.ZoneID, bool) {
	col := int(math.Floor(pos.X / g.cell))
	row := int(math.Floor(pos.Y / g.cell))
	if col < 0 || col >= g.columns || row < 0 || row >= g.rows {
		return types.NoZone, false
	}
	return types.ZoneID(row*g.columns + col), true
}

// Bounds 返回区域的矩形范围
func (g *Grid) Bounds(zone types.ZoneID) (lo, hi types.Position, ok bool) {
	if !g.contains(zone) {
		return types.Position{}, types.Position{}, false
	}
	col, row := int(zone)%g.columns, int(zone)/g.columns
	lo = types.Position{X: float64(col) * g.cell, Y: float64(row) * g.cell}
	hi = lo.Offset(g.cell, g.cell)
	return lo, hi, true
}

// Center 返回区域中心
func (g *Grid) Center(zone types.ZoneID) (types.Position, bool) {
	lo, _, ok := g.Bounds(zone)
	if !ok {
		return types.Position{}, false
	}
	return lo.Offset(g.cell/2, g.cell/2), true
}

// Penetration 实现 interfaces.ZoneGeometry
//
// 内部时只计算与相邻区域共享的边，世界边缘不算边界；
// 没有相邻区域时返回 +Inf。
func (g *Grid) Penetration(pos types.Position, zone types.ZoneID) float64 {
	lo, hi, ok := g.Bounds(zone)
	if !ok {
		return math.Inf(-1)
	}

	if pos.X < lo.X || pos.X >= hi.X || pos.Y < lo.Y || pos.Y >= hi.Y {
		dx := math.Max(math.Max(lo.X-pos.X, 0), pos.X-hi.X)
		dy := math.Max(math.Max(lo.Y-pos.Y, 0), pos.Y-hi.Y)
		return -math.Hypot(dx, dy)
	}

	col, row := int(zone)%g.columns, int(zone)/g.columns
	depth := math.Inf(1)
	if col > 0 {
		depth = math.Min(depth, pos.X-lo.X)
	}
	if col < g.columns-1 {
		depth = math.Min(depth, hi.X-pos.X)
	}
	if row > 0 {
		depth = math.Min(depth, pos.Y-lo.Y)
	}
	if row < g.rows-1 {
		depth = math.Min(depth, hi.Y-pos.Y)
	}
	return depth
}

// NeighborsWithin 实现 interfaces.ZoneGeometry，结果按区域排序
func (g *Grid) NeighborsWithin(pos types.Position, radius float64) []types.ZoneID {
	if radius < 0 {
		return nil
	}
	self, _ := g.ZoneAt(pos)

	colLo := clamp(int(math.Floor((pos.X-radius)/g.cell)), 0, g.columns-1)
	colHi := clamp(int(math.Floor((pos.X+radius)/g.cell)), 0, g.columns-1)
	rowLo := clamp(int(math.Floor((pos.Y-radius)/g.cell)), 0, g.rows-1)
	rowHi := clamp(int(math.Floor((pos.Y+radius)/g.cell)), 0, g.rows-1)

	var out []types.ZoneID
	for row := rowLo; row <= rowHi; row++ {
		for col := colLo; col <= colHi; col++ {
			z := types.ZoneID(row*g.columns + col)
			if z == self {
				continue
			}
			if -g.Penetration(pos, z) <= radius {
				out = append(out, z)
			}
		}
	}
	return out
}

func (g *Grid) contains(zone types.ZoneID) bool {
	return zone.Valid() && int(zone) < g.columns*g.rows
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
