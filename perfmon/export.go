package perfmon

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/tebeka/atexit"

	"github.com/addiethehomie/IMIC-SDS/datarecording"
)

var csvHeader = []string{
	"core_id",
	"instructions_retired",
	"vector_instructions",
	"memory_accesses",
	"l1_hits",
	"l1_misses",
	"l2_hits",
	"l2_misses",
	"ring_bus_transactions",
	"cycles",
	"ipc",
}

// ExportCSV writes the per-core counters to a CSV file.
func (m *Monitor) ExportCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)

	if err := w.Write(csvHeader); err != nil {
		return err
	}

	m.mu.Lock()
	cores := append([]CoreCounters(nil), m.cores...)
	m.mu.Unlock()

	for i, c := range cores {
		record := []string{
			strconv.Itoa(i),
			strconv.FormatUint(c.InstructionsRetired, 10),
			strconv.FormatUint(c.VectorInstructions, 10),
			strconv.FormatUint(c.MemoryAccesses, 10),
			strconv.FormatUint(c.L1Hits, 10),
			strconv.FormatUint(c.L1Misses, 10),
			strconv.FormatUint(c.L2Hits, 10),
			strconv.FormatUint(c.L2Misses, 10),
			strconv.FormatUint(c.RingBusTransactions, 10),
			strconv.FormatUint(c.Cycles, 10),
			fmt.Sprintf("%.4f", c.IPC()),
		}

		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()

	return w.Error()
}

// ExportCSVAtExit registers a CSV export to run when the process exits.
func (m *Monitor) ExportCSVAtExit(path string) {
	atexit.Register(func() {
		if err := m.ExportCSV(path); err != nil {
			fmt.Fprintf(os.Stderr, "perfmon: csv export failed: %v\n", err)
		}
	})
}

// coreRecord is the row shape recorded to the database.
type coreRecord struct {
	CoreID              int
	InstructionsRetired uint64
	VectorInstructions  uint64
	MemoryAccesses      uint64
	L1Hits              uint64
	L1Misses            uint64
	L2Hits              uint64
	L2Misses            uint64
	RingBusTransactions uint64
	Cycles              uint64
	IPC                 float64
}

// RecordTo stores the per-core counters into a data recorder table named
// core_perf_counters.
func (m *Monitor) RecordTo(recorder datarecording.DataRecorder) {
	recorder.CreateTable("core_perf_counters", coreRecord{})

	m.mu.Lock()
	cores := append([]CoreCounters(nil), m.cores...)
	m.mu.Unlock()

	for i, c := range cores {
		recorder.InsertData("core_perf_counters", coreRecord{
			CoreID:              i,
			InstructionsRetired: c.InstructionsRetired,
			VectorInstructions:  c.VectorInstructions,
			MemoryAccesses:      c.MemoryAccesses,
			L1Hits:              c.L1Hits,
			L1Misses:            c.L1Misses,
			L2Hits:              c.L2Hits,
			L2Misses:            c.L2Misses,
			RingBusTransactions: c.RingBusTransactions,
			Cycles:              c.Cycles,
			IPC:                 c.IPC(),
		})
	}

	recorder.Flush()
}
