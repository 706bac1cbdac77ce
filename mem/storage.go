// Package mem provides the backing storage of the device memory and the
// banked memory-controller layer that all core accesses go through.
package mem

import (
	"sync"

	"github.com/addiethehomie/IMIC-SDS/arch"
)

// storagePageSizeBits gives 4 KiB pages.
const storagePageSizeBits = 12

const storagePageSize = 1 << storagePageSizeBits

// A Storage keeps the data of the simulated device memory. Pages are
// allocated on first touch so that a full-size coprocessor memory can be
// modeled without committing host memory up front. Unwritten bytes read as
// zero.
type Storage struct {
	sync.Mutex
	Capacity uint64

	pages map[uint64][]byte
}

// NewStorage creates a storage of a given size.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		Capacity: capacity,
		pages:    make(map[uint64][]byte),
	}
}

func (s *Storage) inBounds(address, size uint64) bool {
	end := address + size
	return end >= address && end <= s.Capacity
}

// Read returns a copy of `size` bytes at `address`.
func (s *Storage) Read(address, size uint64) ([]byte, error) {
	if !s.inBounds(address, size) {
		return nil, arch.NewMemoryAccessError(
			"accessing physical address out of bound")
	}

	s.Lock()
	defer s.Unlock()

	out := make([]byte, size)

	for copied := uint64(0); copied < size; {
		addr := address + copied
		pageID := addr >> storagePageSizeBits
		offset := addr & (storagePageSize - 1)

		n := uint64(storagePageSize) - offset
		if n > size-copied {
			n = size - copied
		}

		if page, ok := s.pages[pageID]; ok {
			copy(out[copied:copied+n], page[offset:offset+n])
		}

		copied += n
	}

	return out, nil
}

// Write stores data into the storage at `address`.
func (s *Storage) Write(address uint64, data []byte) error {
	size := uint64(len(data))
	if !s.inBounds(address, size) {
		return arch.NewMemoryAccessError(
			"accessing physical address out of bound")
	}

	s.Lock()
	defer s.Unlock()

	for written := uint64(0); written < size; {
		addr := address + written
		pageID := addr >> storagePageSizeBits
		offset := addr & (storagePageSize - 1)

		n := uint64(storagePageSize) - offset
		if n > size-written {
			n = size - written
		}

		page, ok := s.pages[pageID]
		if !ok {
			page = make([]byte, storagePageSize)
			s.pages[pageID] = page
		}

		copy(page[offset:offset+n], data[written:written+n])

		written += n
	}

	return nil
}
