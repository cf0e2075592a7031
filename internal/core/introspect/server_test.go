package introspect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-zonerpc/pkg/types"
)

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "walk_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	src := SourceFunc(func() Snapshot {
		return Snapshot{
			Role: "client",
			ID:   "player-1",
			Zone: 3,
			Connections: []ConnectionInfo{
				{ID: "c1", Peer: "zone-3", State: "connected", Zone: 3},
			},
			WarmZones: []types.ZoneID{4},
		}
	})
	s := New(Config{Addr: "127.0.0.1:0", Source: src, Gatherer: reg})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	base := "http://" + s.Addr()

	resp, body := get(t, base+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok"`)

	_, body = get(t, base+"/debug/introspect")
	var snap Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "player-1", snap.ID)
	assert.Equal(t, types.ZoneID(3), snap.Zone)
	assert.Equal(t, []types.ZoneID{4}, snap.WarmZones)

	_, body = get(t, base+"/debug/introspect/connections")
	var conns struct {
		Count       int              `json:"count"`
		Connections []ConnectionInfo `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(body, &conns))
	assert.Equal(t, 1, conns.Count)
	assert.Equal(t, "zone-3", conns.Connections[0].Peer)

	_, body = get(t, base+"/metrics")
	assert.Contains(t, string(body), "walk_total 1")

	t.Log("✅ 自省端点可用")
}

func TestServer_RequiresSource(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"})
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
	assert.Equal(t, "127.0.0.1:0", s.Addr())
}

func TestServer_NoMetricsWithoutGatherer(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", Source: SourceFunc(func() Snapshot { return Snapshot{} })})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	resp, _ := get(t, "http://"+s.Addr()+"/metrics")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ConnectionFilterAndHealth(t *testing.T) {
	conns := []ConnectionInfo{
		{ID: "c1", Peer: "zone-0", State: "connected"},
		{ID: "c2", Peer: "zone-1", State: "draining"},
	}
	var lost atomic.Bool
	src := SourceFunc(func() Snapshot {
		if lost.Load() {
			return Snapshot{Role: "client", ID: "p", Connections: conns[1:]}
		}
		return Snapshot{Role: "client", ID: "p", Connections: conns}
	})
	s := New(Config{Addr: "127.0.0.1:0", Source: src})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	base := "http://" + s.Addr()

	var out struct {
		Count       int              `json:"count"`
		Connections []ConnectionInfo `json:"connections"`
	}
	_, body := get(t, base+"/debug/introspect/connections?state=draining")
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "c2", out.Connections[0].ID)

	_, body = get(t, base+"/debug/introspect/connections?peer=zone-9")
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 0, out.Count)

	var health struct {
		Status      string `json:"status"`
		Established int    `json:"established"`
	}
	_, body = get(t, base+"/health")
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Established)

	lost.Store(true)
	_, body = get(t, base+"/health")
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "degraded", health.Status)

	resp, _ := http.Post(base+"/debug/introspect", "application/json", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDescribe_Empty(t *testing.T) {
	assert.Empty(t, Describe(nil))
}
