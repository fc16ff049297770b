package ambient

import (
	"fmt"
	"math"
	"strconv"
)

// LayerCount is the number of mixing layers.
const LayerCount = 4

// Epsilon is the volume at or below which a layer counts as silent.
const Epsilon = 0.001

// LayerID identifies a mixing layer, 1 through LayerCount.
type LayerID int

// Layers returns every layer in order.
func Layers() []LayerID {
	ids := make([]LayerID, LayerCount)
	for i := range ids {
		ids[i] = LayerID(i + 1)
	}
	return ids
}

// Valid reports whether the id names an existing layer.
func (l LayerID) Valid() bool {
	return l >= 1 && l <= LayerCount
}

// String returns the layer name.
func (l LayerID) String() string {
	return fmt.Sprintf("layer%d", int(l))
}

// ParseLayer parses "2" or "layer2".
func ParseLayer(s string) (LayerID, error) {
	if len(s) > 5 && s[:5] == "layer" {
		s = s[5:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, InvalidParameter("unknown layer %q", s)
	}
	id := LayerID(n)
	if err := ValidateLayer(id); err != nil {
		return 0, err
	}
	return id, nil
}

// ValidateLayer returns an InvalidParameter error for unknown layers.
func ValidateLayer(l LayerID) error {
	if !l.Valid() {
		return InvalidParameter("unknown layer %d", int(l))
	}
	return nil
}

// Track is a playable unit from a catalog.
type Track struct {
	ID         string  `yaml:"id" json:"id"`
	Name       string  `yaml:"name" json:"name"`
	Locator    string  `yaml:"source" json:"source"`
	Variations []Track `yaml:"variations,omitempty" json:"variations,omitempty"`
}

// Flatten returns the track followed by its variations, which are
// addressable as sibling tracks.
func (t Track) Flatten() []Track {
	out := []Track{{ID: t.ID, Name: t.Name, Locator: t.Locator}}
	for _, v := range t.Variations {
		out = append(out, v.Flatten()...)
	}
	return out
}

// Clamp01 limits v to [0, 1].
func Clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ValidVolume rejects values that cannot be clamped.
func ValidVolume(v float64) error {
	if math.IsNaN(v) {
		return InvalidParameter("volume is NaN")
	}
	return nil
}

// Silent reports whether v is within Epsilon of zero.
func Silent(v float64) bool {
	return v <= Epsilon
}
