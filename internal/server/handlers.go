package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/smazurov/v4l2shim/internal/metrics"
	"github.com/smazurov/v4l2shim/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, APIResponse{Status: "error", Message: message})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Version: version.Get(),
	})
}

// sortedDevices returns stats ordered by device path.
func sortedDevices(stats StatsSource) []metrics.DeviceStats {
	if stats == nil {
		return []metrics.DeviceStats{}
	}
	all := stats.All()
	devices := make([]metrics.DeviceStats, 0, len(all))
	for _, s := range all {
		devices = append(devices, s)
	}
	slices.SortFunc(devices, func(a, b metrics.DeviceStats) int {
		return strings.Compare(a.Device, b.Device)
	})
	return devices
}

func listDevicesHandler(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		devices := sortedDevices(stats)
		writeJSON(w, http.StatusOK, DeviceResponse{Devices: devices, Count: len(devices)})
	}
}

// deviceHandler looks a device up by the base name of its path, so
// /api/devices/video0 matches /dev/video0.
func deviceHandler(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		for _, d := range sortedDevices(stats) {
			if filepath.Base(d.Device) == name {
				writeJSON(w, http.StatusOK, d)
				return
			}
		}
		handleError(w, "device not found: "+name, http.StatusNotFound)
	}
}
