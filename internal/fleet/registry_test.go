package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/testutil"
	"github.com/HerbHall/fleethub/internal/transport"
	"github.com/HerbHall/fleethub/pkg/models"
)

func newRegistry(t *testing.T) (*Registry, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	return NewRegistry(zap.NewNop(), WithClock(clock.Now)), clock
}

func TestUpsert_NewDeviceGetsDefaults(t *testing.T) {
	r, clock := newRegistry(t)
	h := testutil.NewOutbound()

	d := r.Upsert("esp32-1", models.DeviceMetadata{}, h, "203.0.113.7")

	assert.Equal(t, "esp32-1", d.ID)
	assert.Equal(t, models.DefaultDeviceName, d.Name)
	assert.Equal(t, models.DefaultFirmwareVersion, d.FirmwareVersion)
	assert.Equal(t, models.DefaultCameraResolution, d.CameraResolution)
	assert.Equal(t, models.DefaultSamplingRate, d.SamplingRate)
	assert.Empty(t, d.Capabilities)
	assert.Equal(t, models.DeviceStatusOnline, d.Status)
	assert.True(t, d.Connected)
	assert.Equal(t, "203.0.113.7", d.PublicIP)
	assert.Equal(t, clock.Now(), d.FirstSeen)
	assert.Equal(t, clock.Now(), d.LastSeen)
}

func TestUpsert_EmptyIDGeneratesOne(t *testing.T) {
	r := NewRegistry(zap.NewNop(), WithIDGenerator(testutil.IDSequence("node")))
	d := r.Upsert("", models.DeviceMetadata{}, testutil.NewOutbound(), "")
	assert.Equal(t, "node-1", d.ID)
	second := r.Upsert("", models.DeviceMetadata{}, testutil.NewOutbound(), "")
	assert.Equal(t, "node-2", second.ID)

	_, ok := r.Get("node-1")
	assert.True(t, ok)
}

func TestUpsert_SameIDReplacesHandleAndClosesPrevious(t *testing.T) {
	r, clock := newRegistry(t)
	first := testutil.NewOutbound()
	second := testutil.NewOutbound()

	r.Upsert("d1", testutil.Metadata("old"), first, "")
	firstSeen := clock.Now()
	clock.Advance(time.Minute)
	d := r.Upsert("d1", testutil.Metadata("new"), second, "")

	assert.Equal(t, "new", d.Name)
	assert.Equal(t, firstSeen, d.FirstSeen)
	assert.Equal(t, clock.Now(), d.LastSeen)
	assert.Len(t, r.List(), 1)

	closed, _ := first.Closed()
	assert.True(t, closed, "superseded handle should be closed")
	closed, _ = second.Closed()
	assert.False(t, closed)

	require.NoError(t, r.Send("d1", transport.Text([]byte(`{"type":"x"}`))))
	assert.Empty(t, first.Frames())
	assert.Len(t, second.Frames(), 1)
}

func TestUpsert_AbsentFieldsKeepStoredValues(t *testing.T) {
	r, _ := newRegistry(t)
	h := testutil.NewOutbound()
	rate := 250
	r.Upsert("d1", models.DeviceMetadata{SamplingRate: &rate}, h, "")

	d := r.Upsert("d1", testutil.Metadata("renamed"), h, "")
	assert.Equal(t, 250, d.SamplingRate)
	assert.Equal(t, "renamed", d.Name)

	closed, _ := h.Closed()
	assert.False(t, closed, "re-registration on the same handle must not close it")
}

func TestUpsert_ConcurrentDistinctIDs(t *testing.T) {
	r, _ := newRegistry(t)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Upsert(fmt.Sprintf("dev-%03d", i), models.DeviceMetadata{}, testutil.NewOutbound(), "")
		}(i)
	}
	wg.Wait()

	list := r.List()
	require.Len(t, list, 100)
	for _, d := range list {
		assert.Equal(t, models.DeviceStatusOnline, d.Status)
	}
	known, online := r.Counts()
	assert.Equal(t, 100, known)
	assert.Equal(t, 100, online)
}

func TestTouchHeartbeat(t *testing.T) {
	r, clock := newRegistry(t)

	_, ok := r.TouchHeartbeat("ghost", clock.Now())
	assert.False(t, ok)
	assert.Empty(t, r.List(), "heartbeat for unknown id must not create an entry")

	h := testutil.NewOutbound()
	r.Upsert("d1", models.DeviceMetadata{}, h, "")
	r.MarkOffline("d1", h)

	ts := clock.Now().Add(5 * time.Second)
	d, ok := r.TouchHeartbeat("d1", ts)
	require.True(t, ok)
	assert.Equal(t, ts, d.LastSeen)
	assert.Equal(t, models.DeviceStatusOnline, d.Status)
}

func TestMarkOffline(t *testing.T) {
	r, _ := newRegistry(t)
	h := testutil.NewOutbound()
	r.Upsert("d1", models.DeviceMetadata{}, h, "")

	d, changed := r.MarkOffline("d1", h)
	require.True(t, changed)
	assert.Equal(t, models.DeviceStatusOffline, d.Status)
	assert.False(t, d.Connected)

	_, changed = r.MarkOffline("d1", h)
	assert.False(t, changed, "second MarkOffline is a no-op")

	_, changed = r.MarkOffline("ghost", nil)
	assert.False(t, changed)

	d, ok := r.Get("d1")
	require.True(t, ok, "offline devices stay listed")
	assert.Equal(t, models.DeviceStatusOffline, d.Status)

	err := r.Send("d1", transport.Text([]byte("{}")))
	assert.ErrorIs(t, err, ErrDeviceOffline)
}

func TestMarkOffline_StaleOwnerIgnored(t *testing.T) {
	r, _ := newRegistry(t)
	old := testutil.NewOutbound()
	current := testutil.NewOutbound()
	r.Upsert("d1", models.DeviceMetadata{}, old, "")
	r.Upsert("d1", models.DeviceMetadata{}, current, "")

	_, changed := r.MarkOffline("d1", old)
	assert.False(t, changed)

	d, _ := r.Get("d1")
	assert.Equal(t, models.DeviceStatusOnline, d.Status)

	_, changed = r.MarkOffline("d1", nil)
	assert.True(t, changed, "nil owner clears unconditionally")
}

func TestUpdateConfig(t *testing.T) {
	r, _ := newRegistry(t)
	name := "bench"
	rate := 500
	cfg := models.DeviceConfig{Name: &name, SamplingRate: &rate}

	_, _, err := r.UpdateConfig("ghost", cfg)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	h := testutil.NewOutbound()
	r.Upsert("d1", models.DeviceMetadata{}, h, "")

	d, pushed, err := r.UpdateConfig("d1", cfg)
	require.NoError(t, err)
	assert.True(t, pushed)
	assert.Equal(t, "bench", d.Name)
	assert.Equal(t, 500, d.SamplingRate)

	msgs := h.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "config_update", msgs[0]["type"])
	assert.Equal(t, map[string]any{"name": "bench", "samplingRate": float64(500)}, msgs[0]["config"])
}

func TestUpdateConfig_OfflineStoresWithoutPush(t *testing.T) {
	r, _ := newRegistry(t)
	h := testutil.NewOutbound()
	r.Upsert("d1", models.DeviceMetadata{}, h, "")
	r.MarkOffline("d1", nil)

	ota := true
	d, pushed, err := r.UpdateConfig("d1", models.DeviceConfig{OTAEnabled: &ota})
	require.NoError(t, err)
	assert.False(t, pushed)
	assert.True(t, d.OTAEnabled)
	assert.Empty(t, h.Frames())

	stored, _ := r.Get("d1")
	assert.True(t, stored.OTAEnabled)
}

func TestSend(t *testing.T) {
	r, _ := newRegistry(t)

	err := r.Send("ghost", transport.Text([]byte("{}")))
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	h := testutil.NewOutbound()
	r.Upsert("d1", models.DeviceMetadata{}, h, "")
	require.NoError(t, r.SendJSON("d1", map[string]string{"type": "ping"}))
	assert.Equal(t, []string{"ping"}, h.Types())

	h.FailWith(transport.ErrQueueFull)
	err = r.Send("d1", transport.Text([]byte("{}")))
	assert.True(t, errors.Is(err, transport.ErrQueueFull))
}

func TestListIsDetachedCopy(t *testing.T) {
	r, _ := newRegistry(t)
	r.Upsert("d1", models.DeviceMetadata{
		Capabilities:    []models.Capability{{ID: "camera", Label: "Camera"}},
		HasCapabilities: true,
	}, testutil.NewOutbound(), "")

	list := r.List()
	list[0].Capabilities[0].ID = "mutated"
	list[0].Name = "mutated"

	d, _ := r.Get("d1")
	assert.Equal(t, "camera", d.Capabilities[0].ID)
	assert.Equal(t, models.DefaultDeviceName, d.Name)

	// Serializing a snapshot needs no registry lock.
	_, err := json.Marshal(list)
	require.NoError(t, err)
}
