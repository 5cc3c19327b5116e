package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/parcelhub-core/internal/locker"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          MQTTMetrics     `json:"mqtt"`
	Commands      CommandMetrics  `json:"commands"`
	Lockers       LockerMetrics   `json:"lockers"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// CommandMetrics contains command dispatcher statistics.
type CommandMetrics struct {
	Enabled bool `json:"enabled"`
	Pending int  `json:"pending"`
}

// LockerMetrics summarises the stored lockers and their boxes.
type LockerMetrics struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	Boxes         int            `json:"boxes"`
	OccupiedBoxes int            `json:"occupied_boxes"`
	FullBoxes     int            `json:"full_boxes"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns a JSON snapshot of the system for the operator
// console. Prometheus scrapes /metrics instead.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Commands: CommandMetrics{
			Enabled: s.commander != nil,
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{
			Connected: s.mqtt.IsConnected(),
		}
	}

	if pc, ok := s.commander.(PendingCounter); ok {
		metrics.Commands.Pending = pc.Pending()
	}

	lockers, err := s.registry.ListLockers(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	metrics.Lockers = summariseLockers(lockers)

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func summariseLockers(lockers []locker.Locker) LockerMetrics {
	out := LockerMetrics{
		Total:    len(lockers),
		ByStatus: make(map[string]int),
	}
	for i := range lockers {
		l := &lockers[i]
		out.ByStatus[string(l.Status)]++
		out.Boxes += l.TotalBoxes
		out.OccupiedBoxes += l.OccupiedBoxes
		out.FullBoxes += l.FullBoxes
	}
	return out
}
