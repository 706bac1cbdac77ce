// Package pcie models the PCIe 2.0 x16 link between the host and the
// coprocessor as a bandwidth/latency source under device memory accesses.
package pcie

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/sim"
)

// PCIe 2.0 x16 link parameters.
const (
	BandwidthBytesPerSec = 8 * 1 << 30 // per direction
	TotalBandwidthBytes  = 2 * BandwidthBytesPerSec
	BaseLatencyNS        = 100
)

// Direction tells which way a transfer crosses the link.
type Direction int

// Transfer directions.
const (
	HostToDevice Direction = iota
	DeviceToHost
)

// Stats is a snapshot of the bridge counters.
type Stats struct {
	BytesHostToDevice uint64
	BytesDeviceToHost uint64
	TotalTransfers    uint64
	TotalLatencyNS    uint64

	CoherencyOverheadCycles uint64
	DTDInvalidations        uint64
}

// A Bridge accounts for every transfer that crosses the host link. It advances
// a simulated cycle counter; wall-clock pacing is opt-in.
type Bridge struct {
	name      string
	freq      sim.Freq
	paceScale float64

	bytesH2D       atomic.Uint64
	bytesD2H       atomic.Uint64
	totalTransfers atomic.Uint64
	totalLatencyNS atomic.Uint64
	delayCycles    atomic.Uint64

	coherencyOverhead atomic.Uint64
	dtdInvalidations  atomic.Uint64
}

// BridgeBuilder can build PCIe bridges.
type BridgeBuilder struct {
	profile   arch.Profile
	paceScale float64
}

// MakeBridgeBuilder creates a builder with default parameters.
func MakeBridgeBuilder() BridgeBuilder {
	return BridgeBuilder{profile: arch.KNC()}
}

// WithProfile sets the architecture profile, which determines the clock used
// to convert transfer time into cycles.
func (b BridgeBuilder) WithProfile(p arch.Profile) BridgeBuilder {
	b.profile = p
	return b
}

// WithRealTimePacing makes transfers sleep the caller for the modeled
// duration multiplied by scale. Pacing is off when scale is 0.
func (b BridgeBuilder) WithRealTimePacing(scale float64) BridgeBuilder {
	b.paceScale = scale
	return b
}

// Build creates a new Bridge.
func (b BridgeBuilder) Build(name string) *Bridge {
	sim.NameMustBeValid(name)

	return &Bridge{
		name:      name,
		freq:      b.profile.Freq,
		paceScale: b.paceScale,
	}
}

// Name returns the name of the bridge.
func (br *Bridge) Name() string {
	return br.name
}

// TransferTimeNS returns the modeled duration of moving `bytes` across one
// direction of the link, including the base link latency.
func (br *Bridge) TransferTimeNS(bytes uint64) float64 {
	return float64(bytes)/float64(BandwidthBytesPerSec)*1e9 + BaseLatencyNS
}

// CycleDelay converts a transfer of `bytes` into device clock cycles.
func (br *Bridge) CycleDelay(bytes uint64) uint64 {
	return uint64(math.Ceil(br.TransferTimeNS(bytes) / br.freq.PeriodInNS()))
}

// Transfer accounts for moving `bytes` in the given direction and returns the
// cycle delay charged.
func (br *Bridge) Transfer(bytes uint64, dir Direction) uint64 {
	if bytes == 0 {
		return 0
	}

	ns := br.TransferTimeNS(bytes)
	cycles := br.CycleDelay(bytes)

	switch dir {
	case HostToDevice:
		br.bytesH2D.Add(bytes)
	case DeviceToHost:
		br.bytesD2H.Add(bytes)
	}

	br.totalTransfers.Add(1)
	br.totalLatencyNS.Add(uint64(ns))
	br.delayCycles.Add(cycles)

	if br.paceScale > 0 {
		time.Sleep(time.Duration(ns * br.paceScale))
	}

	return cycles
}

// TransferHostToDevice accounts for a host-to-device copy of the given data.
func (br *Bridge) TransferHostToDevice(data []byte, _ uint64) uint64 {
	return br.Transfer(uint64(len(data)), HostToDevice)
}

// TransferDeviceToHost accounts for a device-to-host copy.
func (br *Bridge) TransferDeviceToHost(_ uint64, size uint64) uint64 {
	return br.Transfer(size, DeviceToHost)
}

// AddCoherencyOverhead accumulates cycles the DTD spent on host-visible
// coherency actions.
func (br *Bridge) AddCoherencyOverhead(cycles uint64) {
	br.coherencyOverhead.Add(cycles)
}

// CountDTDInvalidation bumps the invalidation counter.
func (br *Bridge) CountDTDInvalidation() {
	br.dtdInvalidations.Add(1)
}

// DelayCycles returns the total cycle delay charged so far.
func (br *Bridge) DelayCycles() uint64 {
	return br.delayCycles.Load()
}

// CollectStats returns a snapshot of the bridge counters.
func (br *Bridge) CollectStats() Stats {
	return Stats{
		BytesHostToDevice:       br.bytesH2D.Load(),
		BytesDeviceToHost:       br.bytesD2H.Load(),
		TotalTransfers:          br.totalTransfers.Load(),
		TotalLatencyNS:          br.totalLatencyNS.Load(),
		CoherencyOverheadCycles: br.coherencyOverhead.Load(),
		DTDInvalidations:        br.dtdInvalidations.Load(),
	}
}

// AvgLatencyNS returns the average transfer latency.
func (br *Bridge) AvgLatencyNS() uint64 {
	n := br.totalTransfers.Load()
	if n == 0 {
		return 0
	}
	return br.totalLatencyNS.Load() / n
}

// BandwidthUtilization returns the percentage of the total 16 GB/s link
// capacity consumed over the given wall time in seconds.
func (br *Bridge) BandwidthUtilization(wallSeconds float64) float64 {
	if wallSeconds <= 0 {
		return 0
	}

	total := br.bytesH2D.Load() + br.bytesD2H.Load()

	return float64(total) / (float64(TotalBandwidthBytes) * wallSeconds) * 100
}

// ResetStats clears all counters.
func (br *Bridge) ResetStats() {
	br.bytesH2D.Store(0)
	br.bytesD2H.Store(0)
	br.totalTransfers.Store(0)
	br.totalLatencyNS.Store(0)
	br.delayCycles.Store(0)
	br.coherencyOverhead.Store(0)
	br.dtdInvalidations.Store(0)
}
