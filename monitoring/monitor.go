// Package monitoring turns a running emulation into a small web server so
// that its state can be inspected and controlled from outside.
package monitoring

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"

	"github.com/addiethehomie/IMIC-SDS/emu"
	"github.com/addiethehomie/IMIC-SDS/pcie"
	"github.com/addiethehomie/IMIC-SDS/perfmon"
	"github.com/addiethehomie/IMIC-SDS/ringbus"
)

// Monitor can turn an emulation into a server and allows external monitoring
// and controlling of the run.
type Monitor struct {
	runtime *emu.Runtime
	ring    *ringbus.Comp
	bridge  *pcie.Bridge
	perf    *perfmon.Monitor

	portNumber int
	url        string
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is not allowed for the monitoring server. "+
				"Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterRuntime registers the runtime that is being monitored.
func (m *Monitor) RegisterRuntime(r *emu.Runtime) {
	m.runtime = r
}

// RegisterRingBus registers the ring bus simulator.
func (m *Monitor) RegisterRingBus(r *ringbus.Comp) {
	m.ring = r
}

// RegisterPCIeBridge registers the PCIe bridge.
func (m *Monitor) RegisterPCIeBridge(b *pcie.Bridge) {
	m.bridge = b
}

// RegisterPerfMonitor registers the performance monitor.
func (m *Monitor) RegisterPerfMonitor(p *perfmon.Monitor) {
	m.perf = p
}

// StartServer starts the monitor as a web server.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pause)
	r.HandleFunc("/api/continue", m.contin)
	r.HandleFunc("/api/cycles", m.cycles)
	r.HandleFunc("/api/cores", m.listCores)
	r.HandleFunc("/api/core/{id}", m.coreDetails)
	r.HandleFunc("/api/ring", m.ringStats)
	r.HandleFunc("/api/pcie", m.pcieStats)
	r.HandleFunc("/api/perf", m.perfStats)
	r.HandleFunc("/api/resource", m.listResources)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.url = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring emulation with %s\n", m.url)

	go func() {
		err := http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

// OpenDashboard opens the monitor URL in the default browser.
func (m *Monitor) OpenDashboard() {
	if m.url == "" {
		return
	}

	if err := browser.OpenURL(m.url); err != nil {
		fmt.Fprintf(os.Stderr, "cannot open browser: %v\n", err)
	}
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	m.runtime.Pause()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) contin(w http.ResponseWriter, _ *http.Request) {
	m.runtime.Resume()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) cycles(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"cycles\":%d}", m.runtime.GlobalCycles())
}

type coreSummary struct {
	ID     int    `json:"id"`
	Tile   int    `json:"tile"`
	Halted bool   `json:"halted"`
	Cycles uint64 `json:"cycles"`
	RIP    uint64 `json:"rip"`
}

func (m *Monitor) listCores(w http.ResponseWriter, _ *http.Request) {
	summaries := make([]coreSummary, 0, m.runtime.NumCores())
	for i := 0; i < m.runtime.NumCores(); i++ {
		core, _ := m.runtime.CoreState(i)
		summaries = append(summaries, coreSummary{
			ID:     core.ID,
			Tile:   core.TileID,
			Halted: core.Halted(),
			Cycles: core.Cycles(),
			RIP:    core.Regs.RIP,
		})
	}

	writeJSON(w, summaries)
}

func (m *Monitor) coreDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	core, err := m.runtime.CoreState(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, map[string]any{
		"id":     core.ID,
		"tile":   core.TileID,
		"halted": core.Halted(),
		"cycles": core.Cycles(),
		"rip":    core.Regs.RIP,
		"rflags": core.Regs.RFlags,
		"gpr":    core.Regs.GPR,
		"k":      core.Regs.K,
	})
}

func (m *Monitor) ringStats(w http.ResponseWriter, _ *http.Request) {
	if m.ring == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	stats := m.ring.CollectStats()

	nodes := make([]ringbus.NodeStats, 0, m.ring.NumNodes())
	for i := 0; i < m.ring.NumNodes(); i++ {
		nodes = append(nodes, m.ring.NodeStats(i))
	}

	writeJSON(w, map[string]any{
		"total": stats,
		"nodes": nodes,
	})
}

func (m *Monitor) pcieStats(w http.ResponseWriter, _ *http.Request) {
	if m.bridge == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, m.bridge.CollectStats())
}

func (m *Monitor) perfStats(w http.ResponseWriter, _ *http.Request) {
	if m.perf == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	writeJSON(w, m.perf.Aggregate())
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	memInfo, err := p.MemoryInfo()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	cpuPercent, _ := p.CPUPercent()

	writeJSON(w, map[string]any{
		"rss_bytes":   memInfo.RSS,
		"vms_bytes":   memInfo.VMS,
		"cpu_percent": cpuPercent,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(v)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		panic(err)
	}
}
