package volume

import (
	"fmt"
	"math"
	"sync"
)

// Display volume range (user-facing).
const (
	DisplayMin = 0.0
	DisplayMax = 100.0
)

// Band limits enforced at the settings boundary.
const (
	HardMinDB  = -120.0
	HardMaxDB  = 20.0
	MinBandGap = 6.0 // dB

	// DeviceStepDB is the resolution of every device write.
	DeviceStepDB = 0.1
)

// Band is the usable [MinDB, MaxDB] range of an output, in device units (dB).
type Band struct {
	MinDB float64 `json:"min_db"`
	MaxDB float64 `json:"max_db"`
}

// Validate checks the band against the hard limits and the minimum gap.
func (b Band) Validate() error {
	if math.IsNaN(b.MinDB) || math.IsNaN(b.MaxDB) {
		return fmt.Errorf("band contains NaN")
	}
	if b.MinDB < HardMinDB {
		return fmt.Errorf("min_db %.1f below hard limit %.1f", b.MinDB, HardMinDB)
	}
	if b.MaxDB > HardMaxDB {
		return fmt.Errorf("max_db %.1f above hard limit %.1f", b.MaxDB, HardMaxDB)
	}
	if b.MaxDB-b.MinDB < MinBandGap {
		return fmt.Errorf("band [%.1f, %.1f] narrower than %.1f dB", b.MinDB, b.MaxDB, MinBandGap)
	}
	return nil
}

// Contains reports whether db lies inside the band (inclusive).
func (b Band) Contains(db float64) bool {
	return db >= b.MinDB && db <= b.MaxDB
}

// Midpoint returns the center of the band in dB.
func (b Band) Midpoint() float64 {
	return b.MinDB + (b.MaxDB-b.MinDB)/2
}

// Converter maps display units (0-100) onto the live operating band.
//
// All math stays in float64; rounding happens only through RoundDisplay and
// RoundDevice at the point where a number leaves the coordinator.
type Converter struct {
	mu   sync.RWMutex
	band Band
}

// NewConverter returns a converter for band.
func NewConverter(band Band) *Converter {
	return &Converter{band: band}
}

// Band returns the current operating band.
func (c *Converter) Band() Band {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.band
}

// SetBand replaces the operating band and returns the previous one.
func (c *Converter) SetBand(b Band) Band {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.band
	c.band = b
	return prev
}

// ToDevice converts a display value to dB using the current band.
func (c *Converter) ToDevice(display float64) float64 {
	return ToDeviceIn(c.Band(), display)
}

// ToDisplay converts a dB value to display units using the current band.
func (c *Converter) ToDisplay(db float64) float64 {
	return ToDisplayIn(c.Band(), db)
}

// ClampDisplay limits x to [0, 100].
func (c *Converter) ClampDisplay(x float64) float64 {
	return ClampDisplay(x)
}

// ClampDevice limits db to the current band.
func (c *Converter) ClampDevice(db float64) float64 {
	b := c.Band()
	return clamp(db, b.MinDB, b.MaxDB)
}

// Remap carries a display value that was valid under old into the current
// band. The audible level (dB) is preserved when it still fits the new band;
// otherwise the value is re-centered to the band midpoint and inBand is false.
func (c *Converter) Remap(display float64, old Band) (next float64, inBand bool) {
	cur := c.Band()
	db := ToDeviceIn(old, display)
	if !cur.Contains(db) {
		return ToDisplayIn(cur, cur.Midpoint()), false
	}
	return ToDisplayIn(cur, db), true
}

// ToDeviceIn converts display to dB within an explicit band.
func ToDeviceIn(b Band, display float64) float64 {
	d := ClampDisplay(display)
	return clamp(b.MinDB+(d/DisplayMax)*(b.MaxDB-b.MinDB), b.MinDB, b.MaxDB)
}

// ToDisplayIn converts dB to display units within an explicit band.
func ToDisplayIn(b Band, db float64) float64 {
	span := b.MaxDB - b.MinDB
	if span <= 0 {
		return DisplayMin
	}
	return ClampDisplay((clamp(db, b.MinDB, b.MaxDB) - b.MinDB) / span * DisplayMax)
}

// ClampDisplay limits x to [0, 100].
func ClampDisplay(x float64) float64 {
	return clamp(x, DisplayMin, DisplayMax)
}

// RoundDisplay rounds half-up to the nearest integer display step.
func RoundDisplay(x float64) int {
	return int(math.Floor(x + 0.5))
}

// RoundDevice rounds half-up to the nearest DeviceStepDB.
func RoundDevice(db float64) float64 {
	steps := math.Floor(db/DeviceStepDB + 0.5)
	// Trim binary noise so 0.1 multiples print and compare cleanly.
	return math.Round(steps*DeviceStepDB*1e6) / 1e6
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
