// Package arch describes the simulated target architectures. A Profile is an
// immutable record that every subsystem receives at construction time.
package arch

import (
	"fmt"

	"github.com/addiethehomie/IMIC-SDS/sim"
)

// Family identifies a MIC processor generation.
type Family int

// Supported processor families.
const (
	KnightsCorner Family = iota
	KnightsLanding
)

func (f Family) String() string {
	switch f {
	case KnightsCorner:
		return "Knights Corner (KNC)"
	case KnightsLanding:
		return "Knights Landing (KNL)"
	default:
		return "Unknown"
	}
}

// CacheLineSize is the cache-line granularity shared by both generations.
const CacheLineSize = 64

// A Profile captures the hardware parameters of one MIC generation.
type Profile struct {
	Family       Family
	NumCores     int
	CoresPerTile int
	NumTiles     int
	NumBanks     int
	MemorySize   uint64
	Freq         sim.Freq

	NumRings         int
	RingBandwidthMBs int
	RingLatency      int

	NumVectorRegs int
	NumMaskRegs   int
	L1CacheSize   int
	L2CacheSize   int
}

// KNC returns the Knights Corner (Xeon Phi 5110P) profile.
func KNC() Profile {
	return Profile{
		Family:           KnightsCorner,
		NumCores:         60,
		CoresPerTile:     4,
		NumTiles:         15,
		NumBanks:         8,
		MemorySize:       8 * 1024 * 1024 * 1024,
		Freq:             1.053 * sim.GHz,
		NumRings:         1,
		RingBandwidthMBs: 134784,
		RingLatency:      2,
		NumVectorRegs:    32,
		NumMaskRegs:      8,
		L1CacheSize:      32 * 1024,
		L2CacheSize:      512 * 1024,
	}
}

// KNL returns the Knights Landing (Xeon Phi 7250) profile.
func KNL() Profile {
	return Profile{
		Family:           KnightsLanding,
		NumCores:         68,
		CoresPerTile:     2,
		NumTiles:         34,
		NumBanks:         38,
		MemorySize:       16 * 1024 * 1024 * 1024,
		Freq:             1.4 * sim.GHz,
		NumRings:         2,
		RingBandwidthMBs: 213312,
		RingLatency:      2,
		NumVectorRegs:    32,
		NumMaskRegs:      8,
		L1CacheSize:      32 * 1024,
		L2CacheSize:      1024 * 1024,
	}
}

// ByName returns the profile selected by a CLI-style architecture name.
func ByName(name string) (Profile, error) {
	switch name {
	case "knc":
		return KNC(), nil
	case "knl":
		return KNL(), nil
	default:
		return Profile{}, NewInvalidArgumentError(
			fmt.Sprintf("unsupported architecture %q", name))
	}
}

// TileOfCore returns the tile that hosts the given core.
func (p Profile) TileOfCore(coreID int) int {
	return coreID / p.CoresPerTile
}

// CycleTimeNS is the duration of one clock cycle in nanoseconds.
func (p Profile) CycleTimeNS() float64 {
	return p.Freq.PeriodInNS()
}

// MustBeValid panics if the profile violates its structural invariants.
func (p Profile) MustBeValid() {
	if p.NumCores != p.CoresPerTile*p.NumTiles {
		panic(fmt.Sprintf(
			"profile %s: cores (%d) != cores-per-tile (%d) x tiles (%d)",
			p.Family, p.NumCores, p.CoresPerTile, p.NumTiles))
	}

	if p.NumBanks <= 0 {
		panic("profile must have at least one memory bank")
	}

	if p.NumRings != 1 && p.NumRings != 2 {
		panic("profile must have one or two rings")
	}
}
