package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/config"
	"github.com/HerbHall/fleethub/internal/event"
	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/metrics"
	"github.com/HerbHall/fleethub/pkg/models"
)

type testHub struct {
	module   *Module
	registry *fleet.Registry
	server   *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	reg := fleet.NewRegistry(zap.NewNop())
	m := New(reg, event.NewBus(zap.NewNop()), nil, metrics.New())
	require.NoError(t, m.Init(config.New(nil), zap.NewNop()))
	require.NoError(t, m.Start(context.Background()))

	mux := http.NewServeMux()
	for _, r := range m.Streams() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}
	for _, r := range m.Routes() {
		mux.HandleFunc(r.Method+" /api/v1"+r.Path, r.Handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
		srv.Close()
	})
	return &testHub{module: m, registry: reg, server: srv}
}

func (h *testHub) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, c, &msg))
	return msg
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, v))
}

func TestDeviceAndDashboardRoundTrip(t *testing.T) {
	h := newTestHub(t)

	dash := h.dial(t, "/ws/dashboard")
	list := readMsg(t, dash)
	assert.Equal(t, "devices_list", list["type"])
	assert.Empty(t, list["devices"])

	device := h.dial(t, "/ws/esp32")
	send(t, device, map[string]any{
		"type":            "register",
		"deviceId":        "esp32-1",
		"name":            "Bench",
		"firmwareVersion": "1.0.0",
		"capabilities":    []map[string]any{{"id": "camera", "label": "Camera", "configurable": true}},
		"samplingRate":    500,
	})

	ack := readMsg(t, device)
	assert.Equal(t, "registration_ack", ack["type"])
	assert.Equal(t, "esp32-1", ack["deviceId"])

	registered := readMsg(t, dash)
	assert.Equal(t, "device_registered", registered["type"])
	assert.Equal(t, "esp32-1", registered["device"].(map[string]any)["deviceId"])

	send(t, device, map[string]any{"type": "heartbeat", "voltage": 230.1, "power": 12.5})
	hb := readMsg(t, dash)
	assert.Equal(t, "device_heartbeat", hb["type"])
	assert.Equal(t, map[string]any{"voltage": 230.1, "power": 12.5}, hb["telemetry"])

	// Hex payload with an odd digit count is padded with a trailing zero.
	send(t, dash, map[string]any{"type": "binary_cmd", "target": "esp32-1", "payloadHex": "0A1"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := device.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.Equal(t, []byte{0x0A, 0x10}, data)

	send(t, dash, map[string]any{"type": "relay", "target": "ghost", "message": map[string]any{"x": 1}})
	errMsg := readMsg(t, dash)
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "device not connected", errMsg["reason"])
	assert.Equal(t, "ghost", errMsg["target"])

	require.NoError(t, device.Close(websocket.StatusNormalClosure, "bye"))
	offline := readMsg(t, dash)
	assert.Equal(t, "device_offline", offline["type"])
	assert.Equal(t, "esp32-1", offline["deviceId"])

	dev, ok := h.registry.Get("esp32-1")
	require.True(t, ok)
	assert.Equal(t, models.DeviceStatusOffline, dev.Status)
	assert.Equal(t, 500, dev.SamplingRate)
}

func TestConfigureDevice(t *testing.T) {
	h := newTestHub(t)

	device := h.dial(t, "/ws/device")
	send(t, device, map[string]any{"type": "register", "deviceId": "esp32-1"})
	readMsg(t, device)

	req, err := http.NewRequest(http.MethodPut, h.server.URL+"/api/v1/devices/esp32-1/configure",
		strings.NewReader(`{"samplingRate":250,"otaEnabled":true}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ConfigureResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Pushed)
	assert.Equal(t, 250, body.Device.SamplingRate)
	assert.True(t, body.Device.OTAEnabled)

	update := readMsg(t, device)
	assert.Equal(t, "config_update", update["type"])
	assert.Equal(t, map[string]any{"samplingRate": float64(250), "otaEnabled": true}, update["config"])
}

func TestDeviceRESTErrors(t *testing.T) {
	h := newTestHub(t)

	resp, err := http.Get(h.server.URL + "/api/v1/devices/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.registry.Upsert("known", models.DeviceMetadata{}, nil, "")

	tests := []struct {
		name       string
		device     string
		body       string
		wantStatus int
	}{
		{"unknown device", "ghost", `{"name":"x"}`, http.StatusNotFound},
		{"unknown device empty body", "ghost", ``, http.StatusNotFound},
		{"unknown device unrecognized fields", "ghost", `{"color":"red"}`, http.StatusNotFound},
		{"not an object", "known", `[]`, http.StatusBadRequest},
		{"no recognized fields", "known", `{"color":"red"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := h.server.URL + "/api/v1/devices/" + tt.device + "/configure"
			req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestListDevicesAndCounts(t *testing.T) {
	h := newTestHub(t)

	device := h.dial(t, "/ws/device")
	send(t, device, map[string]any{"type": "register", "deviceId": "d1"})
	readMsg(t, device)

	dash := h.dial(t, "/ws/dashboard")
	list := readMsg(t, dash)
	require.Len(t, list["devices"], 1)

	resp, err := http.Get(h.server.URL + "/api/v1/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	var devices []models.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "d1", devices[0].ID)
	assert.Equal(t, "127.0.0.1", devices[0].PublicIP)

	counts := h.module.Counts()
	assert.Equal(t, 1, counts["devices_known"])
	assert.Equal(t, 1, counts["devices_connected"])
	assert.Equal(t, 1, counts["dashboards"])
}

func TestStopClosesConnectionsAndRefusesNew(t *testing.T) {
	h := newTestHub(t)

	device := h.dial(t, "/ws/device")
	send(t, device, map[string]any{"type": "register", "deviceId": "d1"})
	readMsg(t, device)

	// The client must be reading to answer the server's close handshake.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := device.Read(context.Background())
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.module.Stop(ctx))

	select {
	case err := <-readErr:
		assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	case <-ctx.Done():
		t.Fatal("device connection was not closed")
	}

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/device"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestConfigOverrides(t *testing.T) {
	v := viper.New()
	v.Set("dashboard_queue_size", 8)
	v.Set("telemetry_fields", []string{"rssi"})

	m := New(fleet.NewRegistry(zap.NewNop()), event.NewBus(zap.NewNop()), nil, nil)
	require.NoError(t, m.Init(config.New(v), zap.NewNop()))
	assert.Equal(t, 8, m.cfg.DashboardQueueSize)
	assert.Equal(t, []string{"rssi"}, m.cfg.TelemetryFields)
	assert.Equal(t, DefaultConfig().DeviceQueueSize, m.cfg.DeviceQueueSize)

	v.Set("write_timeout", "0s")
	bad := New(fleet.NewRegistry(zap.NewNop()), event.NewBus(zap.NewNop()), nil, nil)
	assert.Error(t, bad.Init(config.New(v), zap.NewNop()))
}
