package modbus

import (
	"context"
	"fmt"
	"sort"

	"github.com/sony/gobreaker"
	"github.com/yutthachai69/cems2-2newupdate/internal/domain"
)

// DeviceHealth contains health information for a single device.
type DeviceHealth struct {
	Device             string
	Address            string
	Connected          bool
	CircuitBreakerOpen bool
	LastError          error
	Stats              DeviceStats
}

// DeviceStats is a snapshot of a client's counters.
type DeviceStats struct {
	ReadCount     uint64
	CoilReadCount uint64
	ErrorCount    uint64
	ConnectCount  uint64
	AvgReadTimeMs float64
}

// GatewayStats contains connection table statistics.
type GatewayStats struct {
	TotalClients      int
	ActiveConnections int
	OpenBreakers      int
}

// Snapshot returns the client's counters.
func (c *Client) Snapshot() DeviceStats {
	reads := c.stats.ReadCount.Load()
	var avgMs float64
	if reads > 0 {
		avgMs = float64(c.stats.TotalReadTime.Load()) / float64(reads) / 1e6
	}
	return DeviceStats{
		ReadCount:     reads,
		CoilReadCount: c.stats.CoilReadCount.Load(),
		ErrorCount:    c.stats.ErrorCount.Load(),
		ConnectCount:  c.stats.ConnectCount.Load(),
		AvgReadTimeMs: avgMs,
	}
}

// DeviceHealth returns health information for a specific device.
func (g *Gateway) DeviceHealth(device string) (DeviceHealth, bool) {
	g.mu.RLock()
	pc, exists := g.clients[device]
	g.mu.RUnlock()

	if !exists {
		return DeviceHealth{}, false
	}
	return pc.health(), true
}

// AllDeviceHealth returns health info for every known device, sorted by name.
func (g *Gateway) AllDeviceHealth() []DeviceHealth {
	g.mu.RLock()
	clients := make([]*pooledClient, 0, len(g.clients))
	for _, pc := range g.clients {
		clients = append(clients, pc)
	}
	g.mu.RUnlock()

	result := make([]DeviceHealth, 0, len(clients))
	for _, pc := range clients {
		result = append(result, pc.health())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Device < result[j].Device })
	return result
}

// Stats returns connection table statistics.
func (g *Gateway) Stats() GatewayStats {
	var stats GatewayStats
	for _, h := range g.AllDeviceHealth() {
		stats.TotalClients++
		if h.Connected {
			stats.ActiveConnections++
		}
		if h.CircuitBreakerOpen {
			stats.OpenBreakers++
		}
	}
	return stats
}

// HealthCheck fails when every known device has an open circuit breaker.
func (g *Gateway) HealthCheck(context.Context) error {
	stats := g.Stats()
	if stats.TotalClients > 0 && stats.OpenBreakers == stats.TotalClients {
		return fmt.Errorf("%w: all %d devices", domain.ErrCircuitBreakerOpen, stats.TotalClients)
	}
	return nil
}

func (pc *pooledClient) health() DeviceHealth {
	return DeviceHealth{
		Device:             pc.device.Name,
		Address:            pc.device.Address(),
		Connected:          pc.client.IsConnected(),
		CircuitBreakerOpen: pc.breaker.State() == gobreaker.StateOpen,
		LastError:          pc.client.LastError(),
		Stats:              pc.client.Snapshot(),
	}
}
