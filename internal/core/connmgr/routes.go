package connmgr

import (
	"maps"

	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// routeTable 路由表快照
//
// 发布后只读。写者复制、修改后整体替换，并关闭旧快照的 changed
// 通道唤醒等待路由变化的请求。
type routeTable struct {
	conns        map[string]*connection.Connection
	servers      map[string]types.ServerInfo
	zones        map[types.ZoneID]string
	reconnecting map[string]struct{}
	primary      string

	changed chan struct{}
}

func newRouteTable() *routeTable {
	return &routeTable{
		conns:        make(map[string]*connection.Connection),
		servers:      make(map[string]types.ServerInfo),
		zones:        make(map[types.ZoneID]string),
		reconnecting: make(map[string]struct{}),
		changed:      make(chan struct{}),
	}
}

func (t *routeTable) clone() *routeTable {
	return &routeTable{
		conns:        maps.Clone(t.conns),
		servers:      maps.Clone(t.servers),
		zones:        maps.Clone(t.zones),
		reconnecting: maps.Clone(t.reconnecting),
		primary:      t.primary,
		changed:      make(chan struct{}),
	}
}

// serverFor 返回区域绑定的服务器
func (t *routeTable) serverFor(zone types.ZoneID) (string, bool) {
	if !zone.Valid() {
		return t.primary, t.primary != ""
	}
	id, ok := t.zones[zone]
	return id, ok
}

func (t *routeTable) isReconnecting(serverID string) bool {
	_, ok := t.reconnecting[serverID]
	return ok
}

// unbindServer 移除指向 serverID 的全部区域绑定
func (t *routeTable) unbindServer(serverID string) {
	for z, id := range t.zones {
		if id == serverID {
			delete(t.zones, z)
		}
	}
}
