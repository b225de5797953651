package devicesim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// powerMeter simulates a PZEM-004T: readings jitter around the profile's
// nominal values and energy accumulates between reads.
type powerMeter struct {
	mu      sync.Mutex
	nominal PowerProfile
	energy  float64 // Wh
	last    time.Time
	now     func() time.Time
	jitter  func() float64 // in [-1, 1)
}

func newPowerMeter(nominal PowerProfile) *powerMeter {
	return &powerMeter{
		nominal: nominal,
		now:     time.Now,
		jitter:  func() float64 { return rand.Float64()*2 - 1 },
	}
}

// read returns one sample using the field names the hub extracts from
// heartbeats.
func (m *powerMeter) read() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	voltage := m.nominal.Voltage + 2*m.jitter()
	current := math.Max(0, m.nominal.Current*(1+0.1*m.jitter()))
	pf := math.Min(1, math.Max(0, m.nominal.PowerFactor+0.02*m.jitter()))
	power := voltage * current * pf

	now := m.now()
	if !m.last.IsZero() {
		m.energy += power * now.Sub(m.last).Hours()
	}
	m.last = now

	return map[string]float64{
		"voltage":   round(voltage, 1),
		"current":   round(current, 3),
		"power":     round(power, 1),
		"energy":    round(m.energy, 3),
		"frequency": round(m.nominal.Frequency+0.05*m.jitter(), 1),
		"pf":        round(pf, 2),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
