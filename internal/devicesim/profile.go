package devicesim

import (
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/fleethub/pkg/models"
)

//go:embed esp32.yaml
var defaultProfileData []byte

// Capability is a capability advertised at registration.
type Capability struct {
	ID           string `yaml:"id" json:"id"`
	Label        string `yaml:"label" json:"label"`
	Configurable bool   `yaml:"configurable" json:"configurable"`
}

// PowerProfile sets the nominal readings the simulated PZEM-004T jitters
// around.
type PowerProfile struct {
	Voltage     float64 `yaml:"voltage"`
	Current     float64 `yaml:"current"`
	PowerFactor float64 `yaml:"power_factor"`
	Frequency   float64 `yaml:"frequency"`
}

// Profile describes a simulated device.
type Profile struct {
	DeviceID           string        `yaml:"device_id"`
	Name               string        `yaml:"name"`
	FirmwareVersion    string        `yaml:"firmware_version"`
	Capabilities       []Capability  `yaml:"capabilities"`
	SamplingRate       int           `yaml:"sampling_rate"`
	CameraResolution   string        `yaml:"camera_resolution"`
	CompressionEnabled bool          `yaml:"compression_enabled"`
	OTAEnabled         bool          `yaml:"ota_enabled"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	Power              PowerProfile  `yaml:"power"`
}

var (
	defaultOnce    sync.Once
	defaultProfile Profile
	defaultErr     error
)

// DefaultProfile returns the built-in ESP32 profile with a fresh device ID.
func DefaultProfile() (Profile, error) {
	defaultOnce.Do(func() {
		if err := yaml.Unmarshal(defaultProfileData, &defaultProfile); err != nil {
			defaultErr = fmt.Errorf("devicesim: parse built-in profile: %w", err)
		}
	})
	if defaultErr != nil {
		return Profile{}, defaultErr
	}
	p := defaultProfile
	p.Capabilities = append([]Capability(nil), defaultProfile.Capabilities...)
	p.DeviceID = newDeviceID()
	return p, nil
}

// LoadProfile reads a YAML profile from path. Keys the file omits keep the
// built-in values; an empty path yields the built-in profile.
func LoadProfile(path string) (Profile, error) {
	p, err := DefaultProfile()
	if err != nil || path == "" {
		return p, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("devicesim: read profile: %w", err)
	}
	return parseProfile(data, p)
}

func parseProfile(data []byte, base Profile) (Profile, error) {
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("devicesim: parse profile: %w", err)
	}
	if p.DeviceID == "" {
		p.DeviceID = newDeviceID()
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 5 * time.Second
	}
	if p.SamplingRate <= 0 {
		p.SamplingRate = models.DefaultSamplingRate
	}
	return p, nil
}

func newDeviceID() string {
	return "esp32-sim-" + uuid.NewString()[:8]
}

// registerMessage is the first message a device sends.
type registerMessage struct {
	Type               string       `json:"type"`
	DeviceID           string       `json:"deviceId"`
	Name               string       `json:"name"`
	FirmwareVersion    string       `json:"firmwareVersion"`
	Capabilities       []Capability `json:"capabilities"`
	SamplingRate       int          `json:"samplingRate"`
	CameraResolution   string       `json:"cameraResolution"`
	CompressionEnabled bool         `json:"compressionEnabled"`
	OTAEnabled         bool         `json:"otaEnabled"`
}

func (p Profile) register() registerMessage {
	return registerMessage{
		Type:               "register",
		DeviceID:           p.DeviceID,
		Name:               p.Name,
		FirmwareVersion:    p.FirmwareVersion,
		Capabilities:       p.Capabilities,
		SamplingRate:       p.SamplingRate,
		CameraResolution:   p.CameraResolution,
		CompressionEnabled: p.CompressionEnabled,
		OTAEnabled:         p.OTAEnabled,
	}
}

// apply merges a pushed configuration into the profile.
func (p *Profile) apply(cfg models.DeviceConfig) {
	if cfg.Name != nil {
		p.Name = *cfg.Name
	}
	if cfg.CameraResolution != nil {
		p.CameraResolution = *cfg.CameraResolution
	}
	if cfg.SamplingRate != nil {
		p.SamplingRate = *cfg.SamplingRate
	}
	if cfg.CompressionEnabled != nil {
		p.CompressionEnabled = *cfg.CompressionEnabled
	}
	if cfg.OTAEnabled != nil {
		p.OTAEnabled = *cfg.OTAEnabled
	}
}
