// Package bins holds the static bin topology and the ledger of which
// category each bin currently collects.
package bins

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/sorter/internal/config"
)

const (
	MiscCategory     = "misc"
	FallbackCategory = "fallback"
)

// Coordinates addresses one bin.
type Coordinates struct {
	Module int `json:"distribution_module"`
	Bin    int `json:"bin"`
}

// Key is the ledger map key, "{module}_{bin}".
func (c Coordinates) Key() string {
	return fmt.Sprintf("%d_%d", c.Module, c.Bin)
}

func (c Coordinates) String() string { return c.Key() }

// ParseKey parses a ledger map key.
func ParseKey(key string) (Coordinates, error) {
	m, b, ok := strings.Cut(key, "_")
	if !ok {
		return Coordinates{}, fmt.Errorf("bin key %q has no separator", key)
	}
	mi, err := strconv.Atoi(m)
	if err != nil {
		return Coordinates{}, fmt.Errorf("bin key %q: bad module: %w", key, err)
	}
	bi, err := strconv.Atoi(b)
	if err != nil {
		return Coordinates{}, fmt.Errorf("bin key %q: bad bin: %w", key, err)
	}
	return Coordinates{Module: mi, Bin: bi}, nil
}

// Bin is one physical bin and its door servo.
type Bin struct {
	Coordinates
	Door config.ServoAddress
}

// DistributionModule is a group of bins behind one conveyor door, a fixed
// distance downstream of the main camera.
type DistributionModule struct {
	Index      int
	DistanceCm float64
	Door       config.ServoAddress
	Bins       []Bin
}

// Topology is the machine's fixed layout, ordered from the camera outward.
type Topology struct {
	Modules []DistributionModule
}

func NewTopology(cfg config.TopologyConfig) *Topology {
	t := &Topology{}
	for i, m := range cfg.Modules {
		dm := DistributionModule{Index: i, DistanceCm: m.DistanceCm, Door: m.Door}
		for j, addr := range m.Bins {
			dm.Bins = append(dm.Bins, Bin{Coordinates: Coordinates{Module: i, Bin: j}, Door: addr})
		}
		t.Modules = append(t.Modules, dm)
	}
	return t
}

// MustModule returns module i. An out-of-range index means the topology and
// the caller disagree about the hardware, so it panics.
func (t *Topology) MustModule(i int) *DistributionModule {
	if i < 0 || i >= len(t.Modules) {
		panic(fmt.Sprintf("bins: distribution module %d out of range (have %d)", i, len(t.Modules)))
	}
	return &t.Modules[i]
}

// MustBin returns the bin at c, panicking when it does not exist.
func (t *Topology) MustBin(c Coordinates) *Bin {
	m := t.MustModule(c.Module)
	if c.Bin < 0 || c.Bin >= len(m.Bins) {
		panic(fmt.Sprintf("bins: bin %d out of range in module %d (have %d)", c.Bin, c.Module, len(m.Bins)))
	}
	return &m.Bins[c.Bin]
}

// Contains reports whether c exists.
func (t *Topology) Contains(c Coordinates) bool {
	return c.Module >= 0 && c.Module < len(t.Modules) &&
		c.Bin >= 0 && c.Bin < len(t.Modules[c.Module].Bins)
}

// All returns every bin's coordinates ordered by (module, bin).
func (t *Topology) All() []Coordinates {
	var out []Coordinates
	for _, m := range t.Modules {
		for _, b := range m.Bins {
			out = append(out, b.Coordinates)
		}
	}
	return out
}

// Reserved holds the coordinates set aside for the misc and fallback
// categories.
type Reserved struct {
	Misc     Coordinates
	Fallback Coordinates
}

// Reserved returns the last two bins in module order: misc first, then
// fallback in the most distal bin.
func (t *Topology) Reserved() Reserved {
	all := t.All()
	if len(all) < 2 {
		panic(fmt.Sprintf("bins: topology has %d bins, need at least 2 for misc and fallback", len(all)))
	}
	return Reserved{Misc: all[len(all)-2], Fallback: all[len(all)-1]}
}

// IsReserved reports whether c is the misc or fallback bin.
func (r Reserved) IsReserved(c Coordinates) bool {
	return c == r.Misc || c == r.Fallback
}

// MostDistal returns the module furthest from the camera.
func (t *Topology) MostDistal() *DistributionModule {
	return t.MustModule(len(t.Modules) - 1)
}
