package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceQuota bounds one project's share of the worker pool.
type ResourceQuota struct {
	MaxConcurrent int
	CPUShare      float64 // cores
	MemoryBytes   int64
}

// ResourceUsage is the process-wide running total of admitted work.
type ResourceUsage struct {
	Concurrent int     `json:"concurrent"`
	CPU        float64 `json:"cpu"`
	Memory     int64   `json:"memory"`
}

// ParseQuota converts the config representation ("500m" CPU, "1Gi" memory)
// into a ResourceQuota.
func ParseQuota(maxConcurrent int, cpu, memory string) (ResourceQuota, error) {
	q := ResourceQuota{MaxConcurrent: maxConcurrent}

	if cpu != "" {
		share, err := ParseCPUShare(cpu)
		if err != nil {
			return q, err
		}
		q.CPUShare = share
	}
	if memory != "" {
		bytes, err := ParseMemoryShare(memory)
		if err != nil {
			return q, err
		}
		q.MemoryBytes = bytes
	}
	return q, nil
}

// ParseCPUShare parses Kubernetes-style CPU quantities: "500m" is half a core,
// "2" is two cores.
func ParseCPUShare(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "m") {
		milli, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64)
		if err != nil {
			return 0, fmt.Errorf("queue: invalid cpu share %q: %w", s, err)
		}
		return milli / 1000, nil
	}
	cores, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("queue: invalid cpu share %q: %w", s, err)
	}
	return cores, nil
}

// ParseMemoryShare parses Kubernetes-style memory quantities: "512Mi", "1Gi",
// "2G", or a plain byte count.
func ParseMemoryShare(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix string
		mult   int64
	}{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
		{"G", 1e9},
		{"M", 1e6},
		{"K", 1e3},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("queue: invalid memory share %q: %w", s, err)
			}
			return int64(n * float64(u.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("queue: invalid memory share %q: %w", s, err)
	}
	return n, nil
}

// add records the resources of one dispatched task.
func (u *ResourceUsage) add(q ResourceQuota) {
	u.Concurrent++
	u.CPU += q.CPUShare
	u.Memory += q.MemoryBytes
}

// remove releases the resources of one finished task.
func (u *ResourceUsage) remove(q ResourceQuota) {
	u.Concurrent--
	u.CPU -= q.CPUShare
	u.Memory -= q.MemoryBytes
	if u.Concurrent < 0 {
		u.Concurrent = 0
	}
	if u.CPU < 0 {
		u.CPU = 0
	}
	if u.Memory < 0 {
		u.Memory = 0
	}
}
