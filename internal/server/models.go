package server

import (
	"github.com/smazurov/v4l2shim/internal/metrics"
	"github.com/smazurov/v4l2shim/internal/version"
)

// APIResponse is the envelope for error replies.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DeviceResponse lists the devices the shim has seen.
type DeviceResponse struct {
	Devices []metrics.DeviceStats `json:"devices"`
	Count   int                   `json:"count"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Version version.Info `json:"version"`
}
