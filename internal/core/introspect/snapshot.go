package introspect

import (
	"sort"
	"time"

	"github.com/dep2p/go-zonerpc/internal/core/connection"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

// Snapshot 一次诊断快照
type Snapshot struct {
	Role        string           `json:"role"`
	ID          string           `json:"id"`
	Zone        types.ZoneID     `json:"zone"`
	Local       string           `json:"local"`
	Connections []ConnectionInfo `json:"connections"`
	WarmZones   []types.ZoneID   `json:"warm_zones,omitempty"`
	Interfaces  []string         `json:"interfaces,omitempty"`
	TakenAt     time.Time        `json:"taken_at"`
}

// ConnectionInfo 单个连接的状态与统计
type ConnectionInfo struct {
	ID             string        `json:"id"`
	Peer           string        `json:"peer"`
	Remote         string        `json:"remote"`
	State          string        `json:"state"`
	Zone           types.ZoneID  `json:"zone"`
	Manifest       uint64        `json:"manifest_version"`
	InFlight       int           `json:"in_flight"`
	FramesSent     uint64        `json:"frames_sent"`
	FramesReceived uint64        `json:"frames_received"`
	BytesSent      uint64        `json:"bytes_sent"`
	BytesReceived  uint64        `json:"bytes_received"`
	RTT            time.Duration `json:"rtt_ns"`
	LastActivity   time.Time     `json:"last_activity"`
	LastPush       time.Time     `json:"last_push,omitzero"`
}

// Describe 收集连接信息，按对端排序
func Describe(conns []*connection.Connection) []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		st := c.Stats()
		out = append(out, ConnectionInfo{
			ID:             c.ID(),
			Peer:           c.PeerID(),
			Remote:         c.RemoteEndpoint().String(),
			State:          c.State().String(),
			Zone:           c.AssignedZone(),
			Manifest:       c.Manifest().Version(),
			InFlight:       st.InFlight,
			FramesSent:     st.FramesSent,
			FramesReceived: st.FramesReceived,
			BytesSent:      st.BytesSent,
			BytesReceived:  st.BytesReceived,
			RTT:            st.RTT,
			LastActivity:   st.LastActivity,
			LastPush:       st.LastPush,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].ID < out[j].ID
	})
	return out
}
