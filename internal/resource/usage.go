package resource

import "time"

// Usage is a single host resource snapshot.
type Usage struct {
	Timestamp         time.Time
	MemoryTotalMB     float64
	MemoryUsedMB      float64
	MemoryAvailableMB float64
	MemoryPercent     float64
	CPUPercent        float64
	CPUPerCore        []float64
	DiskPercent       float64
	DiskReadBytes     uint64
	DiskWriteBytes    uint64
	NetworkSentBytes  uint64
	NetworkRecvBytes  uint64
}

// Type enumerates the resources the monitor tracks thresholds for.
type Type int

const (
	Memory Type = iota
	CPU
	Disk
)

func (t Type) String() string {
	switch t {
	case Memory:
		return "memory"
	case CPU:
		return "cpu"
	case Disk:
		return "disk"
	default:
		return "unknown"
	}
}

// Average is the result of AverageUsage over a time window.
type Average struct {
	MemoryMB      float64
	MemoryPercent float64
	CPUPercent    float64
}
