package mem

import (
	"fmt"
	"sync"

	"github.com/addiethehomie/IMIC-SDS/arch"
	"github.com/addiethehomie/IMIC-SDS/sim"
)

// HookPosBankAccess marks when an access is routed to a memory bank.
var HookPosBankAccess = &sim.HookPos{Name: "Bank Access"}

// A TransferEngine models the host link that every device memory access is
// accounted against. The PCIe bridge implements it.
type TransferEngine interface {
	TransferHostToDevice(data []byte, deviceAddr uint64) uint64
	TransferDeviceToHost(deviceAddr uint64, size uint64) uint64
}

// BankStats are the counters maintained for one memory bank. All counters are
// monotonically non-decreasing.
type BankStats struct {
	Accesses uint64
	Hits     uint64
	Misses   uint64
}

// A bank is one address-hashed slice of the device memory.
type bank struct {
	id       int
	baseAddr uint64
	size     uint64
	tileID   int

	stats BankStats
}

// BankedMemory routes reads and writes to address-hashed memory banks, keeps
// per-bank counters, and charges the transfer engine for every access.
type BankedMemory struct {
	sim.HookableBase

	name    string
	profile arch.Profile
	storage *Storage
	link    TransferEngine

	memLock  sync.Mutex
	bankLock sync.Mutex
	banks    []*bank
}

// BankedMemoryBuilder can build banked memories.
type BankedMemoryBuilder struct {
	profile arch.Profile
	storage *Storage
	link    TransferEngine
}

// MakeBankedMemoryBuilder creates a builder with default parameters.
func MakeBankedMemoryBuilder() BankedMemoryBuilder {
	return BankedMemoryBuilder{}
}

// WithProfile sets the architecture profile of the memory to build.
func (b BankedMemoryBuilder) WithProfile(p arch.Profile) BankedMemoryBuilder {
	b.profile = p
	return b
}

// WithStorage sets the backing storage of the memory to build.
func (b BankedMemoryBuilder) WithStorage(s *Storage) BankedMemoryBuilder {
	b.storage = s
	return b
}

// WithTransferEngine sets the host link charged on each access.
func (b BankedMemoryBuilder) WithTransferEngine(
	t TransferEngine,
) BankedMemoryBuilder {
	b.link = t
	return b
}

// Build creates a new BankedMemory.
func (b BankedMemoryBuilder) Build(name string) *BankedMemory {
	sim.NameMustBeValid(name)
	b.profile.MustBeValid()

	m := &BankedMemory{
		name:    name,
		profile: b.profile,
		storage: b.storage,
		link:    b.link,
	}

	if m.storage == nil {
		m.storage = NewStorage(b.profile.MemorySize)
	}

	numBanks := b.profile.NumBanks
	bankSize := b.profile.MemorySize / uint64(numBanks)
	for i := 0; i < numBanks; i++ {
		m.banks = append(m.banks, &bank{
			id:       i,
			baseAddr: uint64(i) * bankSize,
			size:     bankSize,
			tileID:   i * (b.profile.NumTiles / numBanks),
		})
	}

	return m
}

// Name returns the name of the memory.
func (m *BankedMemory) Name() string {
	return m.name
}

// Storage returns the backing storage. Program loading writes through it
// directly; regular accesses must go through Read and Write.
func (m *BankedMemory) Storage() *Storage {
	return m.storage
}

// NumBanks returns the number of banks of the memory.
func (m *BankedMemory) NumBanks() int {
	return len(m.banks)
}

// BankFor returns the bank index that serves the given address.
func (m *BankedMemory) BankFor(address uint64) int {
	return int(address % uint64(m.profile.NumBanks))
}

// Read copies `size` bytes starting at `address` out of the device memory.
// The whole access is counted on the bank of the first byte.
func (m *BankedMemory) Read(address, size uint64) ([]byte, error) {
	if err := m.validate(address, size); err != nil {
		return nil, err
	}

	m.memLock.Lock()
	defer m.memLock.Unlock()

	data, err := m.storage.Read(address, size)
	if err != nil {
		return nil, err
	}

	if m.link != nil {
		m.link.TransferDeviceToHost(address, size)
	}

	m.recordAccess(address, size)

	return data, nil
}

// Write stores data into the device memory at `address`.
func (m *BankedMemory) Write(address uint64, data []byte) error {
	size := uint64(len(data))
	if err := m.validate(address, size); err != nil {
		return err
	}

	m.memLock.Lock()
	defer m.memLock.Unlock()

	if m.link != nil {
		m.link.TransferHostToDevice(data, address)
	}

	if err := m.storage.Write(address, data); err != nil {
		return err
	}

	m.recordAccess(address, size)

	return nil
}

// BankStats returns a copy of one bank's counters.
func (m *BankedMemory) BankStats(bankID int) (BankStats, error) {
	if bankID < 0 || bankID >= len(m.banks) {
		return BankStats{}, arch.NewInvalidArgumentError(
			fmt.Sprintf("bank %d out of range", bankID))
	}

	m.bankLock.Lock()
	defer m.bankLock.Unlock()

	return m.banks[bankID].stats, nil
}

func (m *BankedMemory) validate(address, size uint64) error {
	if size == 0 {
		return arch.NewInvalidArgumentError("zero-size memory access")
	}

	end := address + size
	if end < address || end > m.profile.MemorySize {
		return arch.NewMemoryAccessError(fmt.Sprintf(
			"access [0x%x, 0x%x) out of range 0x%x",
			address, end, m.profile.MemorySize))
	}

	return nil
}

func (m *BankedMemory) recordAccess(address, size uint64) {
	m.bankLock.Lock()
	defer m.bankLock.Unlock()

	bankID := m.BankFor(address)
	bank := m.banks[bankID]

	bank.stats.Accesses++

	// Fixed 90% hit rate, counted deterministically so that tests and
	// repeated runs see identical statistics.
	if bank.stats.Accesses%10 != 0 {
		bank.stats.Hits++
	} else {
		bank.stats.Misses++
	}

	if m.NumHooks() > 0 {
		m.InvokeHook(sim.HookCtx{
			Domain: m,
			Pos:    HookPosBankAccess,
			Item:   bankID,
			Detail: size,
		})
	}
}
