package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smazurov/v4l2shim/internal/metrics"
)

type fakeStats map[string]metrics.DeviceStats

func (f fakeStats) All() map[string]metrics.DeviceStats { return f }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SetFrameRate("/dev/video0", 30)

	return New(Options{
		Gatherer: reg,
		Stats: fakeStats{
			"/dev/video2": {Device: "/dev/video2", Frames: 5},
			"/dev/video0": {Device: "/dev/video0", Card: "Test Cam", Frames: 12},
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestMetricsEndpoint(t *testing.T) {
	w := get(t, newTestServer(t).Handler(), "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `v4l2shim_frame_rate{device="/dev/video0"} 30`) {
		t.Errorf("metrics body missing frame rate:\n%s", w.Body.String())
	}
}

func TestListDevices(t *testing.T) {
	w := get(t, newTestServer(t).Handler(), "/api/devices")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp DeviceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || resp.Devices[0].Device != "/dev/video0" || resp.Devices[1].Device != "/dev/video2" {
		t.Errorf("response = %+v, want video0 then video2", resp)
	}
}

func TestDeviceLookup(t *testing.T) {
	h := newTestServer(t).Handler()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/api/devices/video0", http.StatusOK, `"card":"Test Cam"`},
		{"/api/devices/video7", http.StatusNotFound, "device not found: video7"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, h, tt.path)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	w := get(t, newTestServer(t).Handler(), "/api/health")

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version.Version == "" || resp.Version.GoVersion == "" {
		t.Errorf("version missing from health: %+v", resp.Version)
	}
}

func TestNilStats(t *testing.T) {
	s := New(Options{Gatherer: prometheus.NewRegistry()})
	w := get(t, s.Handler(), "/api/devices")

	if !strings.Contains(w.Body.String(), `"count":0`) {
		t.Errorf("body = %s, want an empty list", w.Body.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
