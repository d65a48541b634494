package health

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Status is the overall health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report aggregates the server's liveness signals.
type Report struct {
	Status             Status   `json:"status"`
	UptimeSeconds      float64  `json:"uptime_seconds"`
	ResidentMemoryMB   float64  `json:"resident_memory_mb"`
	PluginCount        int      `json:"plugin_count"`
	HandlerCount       int      `json:"handler_count"`
	OpenBreakers       []string `json:"open_breakers,omitempty"`
	ActiveConnections  int      `json:"active_connections"`
	Warnings           []string `json:"warnings,omitempty"`
	TimestampUnixMilli int64    `json:"timestamp"`
}

// Probe produces health reports from live inputs.
type Probe struct {
	start time.Time
	proc  *process.Process

	// memoryLimitMB marks degraded above 80% and unhealthy above 100% when
	// set.
	memoryLimitMB float64
}

// NewProbe creates a probe anchored at the current time. The process handle
// is best-effort; without it the memory field reads zero.
func NewProbe(memoryLimitMB float64) *Probe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &Probe{start: time.Now(), proc: proc, memoryLimitMB: memoryLimitMB}
}

// ReportInputs are the live counts the probe cannot observe on its own.
type ReportInputs struct {
	PluginCount       int
	HandlerCount      int
	OpenBreakers      []string
	ActiveConnections int
}

// Report builds the current health report.
func (p *Probe) Report(in ReportInputs) Report {
	r := Report{
		Status:             StatusHealthy,
		UptimeSeconds:      time.Since(p.start).Seconds(),
		PluginCount:        in.PluginCount,
		HandlerCount:       in.HandlerCount,
		OpenBreakers:       in.OpenBreakers,
		ActiveConnections:  in.ActiveConnections,
		TimestampUnixMilli: time.Now().UnixMilli(),
	}

	if p.proc != nil {
		if mi, err := p.proc.MemoryInfo(); err == nil {
			r.ResidentMemoryMB = float64(mi.RSS) / 1024 / 1024
		}
	}

	if len(in.OpenBreakers) > 0 {
		r.Status = StatusDegraded
		r.Warnings = append(r.Warnings, "open circuit breakers")
	}
	if p.memoryLimitMB > 0 && r.ResidentMemoryMB > 0 {
		pct := r.ResidentMemoryMB / p.memoryLimitMB * 100
		switch {
		case pct > 100:
			r.Status = StatusUnhealthy
			r.Warnings = append(r.Warnings, "resident memory over limit")
		case pct > 80:
			if r.Status == StatusHealthy {
				r.Status = StatusDegraded
			}
			r.Warnings = append(r.Warnings, "resident memory above 80% of limit")
		}
	}
	return r
}
