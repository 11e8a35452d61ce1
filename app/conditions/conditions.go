// Package conditions gates batch progress on system metrics. The run driver
// consults it between jobs so a loaded host can breathe before the next build
// starts.
package conditions

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"gopkg.in/yaml.v3"
)

// Config defines optional thresholds, nil means "don't check"
type Config struct {
	CPUBelow      *int           `yaml:"cpu_below,omitempty" json:"cpu_below,omitempty"`             // percent
	MemoryBelow   *int           `yaml:"memory_below,omitempty" json:"memory_below,omitempty"`       // percent
	LoadAvgBelow  *float64       `yaml:"loadavg_below,omitempty" json:"loadavg_below,omitempty"`     // 1m load average
	DiskFreeAbove *int           `yaml:"disk_free_above,omitempty" json:"disk_free_above,omitempty"` // percent free
	DiskFreePath  string         `yaml:"disk_free_path,omitempty" json:"disk_free_path,omitempty"`
	Custom        string         `yaml:"custom,omitempty" json:"custom,omitempty"` // shell check, exit 0 means ok
	MaxPostpone   *time.Duration `yaml:"max_postpone,omitempty" json:"max_postpone,omitempty"`
	CheckInterval *time.Duration `yaml:"check_interval,omitempty" json:"check_interval,omitempty"`
}

// Enabled reports if any threshold is configured
func (c Config) Enabled() bool {
	return c.CPUBelow != nil || c.MemoryBelow != nil || c.LoadAvgBelow != nil || c.DiskFreeAbove != nil || c.Custom != ""
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting duration fields as
// strings like "30m" in addition to bare nanosecond integers
func (c *Config) UnmarshalYAML(n *yaml.Node) error {
	aux := struct {
		CPUBelow      *int      `yaml:"cpu_below"`
		MemoryBelow   *int      `yaml:"memory_below"`
		LoadAvgBelow  *float64  `yaml:"loadavg_below"`
		DiskFreeAbove *int      `yaml:"disk_free_above"`
		DiskFreePath  string    `yaml:"disk_free_path"`
		Custom        string    `yaml:"custom"`
		MaxPostpone   yaml.Node `yaml:"max_postpone"`
		CheckInterval yaml.Node `yaml:"check_interval"`
	}{}
	if err := n.Decode(&aux); err != nil {
		return err
	}

	c.CPUBelow, c.MemoryBelow = aux.CPUBelow, aux.MemoryBelow
	c.LoadAvgBelow, c.DiskFreeAbove = aux.LoadAvgBelow, aux.DiskFreeAbove
	c.DiskFreePath, c.Custom = aux.DiskFreePath, aux.Custom

	var err error
	if c.MaxPostpone, err = decodeDuration(aux.MaxPostpone); err != nil {
		return fmt.Errorf("max_postpone: %w", err)
	}
	if c.CheckInterval, err = decodeDuration(aux.CheckInterval); err != nil {
		return fmt.Errorf("check_interval: %w", err)
	}
	return nil
}

func decodeDuration(n yaml.Node) (*time.Duration, error) {
	if n.IsZero() {
		return nil, nil
	}
	var s string
	if err := n.Decode(&s); err == nil {
		d, perr := time.ParseDuration(s)
		if perr != nil {
			return nil, fmt.Errorf("can't parse duration %q: %w", s, perr)
		}
		return &d, nil
	}
	var ns int64
	if err := n.Decode(&ns); err == nil {
		d := time.Duration(ns)
		return &d, nil
	}
	return nil, fmt.Errorf("can't parse duration from %q", n.Value)
}

// Checker verifies conditions against live system metrics
type Checker struct{}

// Check verifies if all configured conditions are met.
// Returns true if satisfied, false with the first blocking reason otherwise.
func (Checker) Check(conf Config) (bool, string) {
	if conf.CPUBelow != nil {
		if ok, reason := checkCPU(*conf.CPUBelow); !ok {
			return false, reason
		}
	}
	if conf.MemoryBelow != nil {
		if ok, reason := checkMemory(*conf.MemoryBelow); !ok {
			return false, reason
		}
	}
	if conf.LoadAvgBelow != nil {
		if ok, reason := checkLoadAvg(*conf.LoadAvgBelow); !ok {
			return false, reason
		}
	}
	if conf.DiskFreeAbove != nil {
		path := conf.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := checkDiskFree(*conf.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}
	if conf.Custom != "" {
		if ok, reason := checkCustom(conf.Custom); !ok {
			return false, reason
		}
	}
	return true, ""
}

// checkCPU checks if CPU usage is below threshold
func checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

// checkCustom runs a custom script and checks its exit code
func checkCustom(script string) (bool, string) {
	cmd := exec.Command("sh", "-c", script) //nolint:gosec // operator-provided check command
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
