package executor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// PreflightConfig tunes the pre-mutation environment checks.
type PreflightConfig struct {
	// MinDiskBytes required free under the output directory.
	MinDiskBytes uint64
	// NetworkProbeAddr is dialed when any step requires network.
	NetworkProbeAddr string
	// NetworkProbeTimeout bounds the connectivity check.
	NetworkProbeTimeout time.Duration
}

// DefaultPreflightConfig asks for 100 MiB free and probes a public resolver.
var DefaultPreflightConfig = PreflightConfig{
	MinDiskBytes:        100 << 20,
	NetworkProbeAddr:    "1.1.1.1:53",
	NetworkProbeTimeout: 3 * time.Second,
}

// Preflight verifies the environment before any step mutates anything:
// output directory writable, enough disk, referenced templates present, and
// network reachable when a step needs it. Any failure aborts the plan.
func Preflight(plan *BusinessPlan, ec *ExecContext, cfg PreflightConfig) error {
	if err := checkWritable(ec.OutputDir); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if cfg.MinDiskBytes > 0 {
		if err := checkDiskSpace(ec.OutputDir, cfg.MinDiskBytes); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	needsNetwork := false
	for _, s := range plan.Steps {
		if s.Template != "" {
			path := filepath.Join(ec.TemplateDir, s.Template)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("preflight: step %q template %q: %w", s.StepID, s.Template, err)
			}
		}
		if s.RequiresNetwork {
			needsNetwork = true
		}
	}

	if needsNetwork && cfg.NetworkProbeAddr != "" {
		conn, err := net.DialTimeout("tcp", cfg.NetworkProbeAddr, cfg.NetworkProbeTimeout)
		if err != nil {
			return fmt.Errorf("preflight: network unreachable via %s: %w", cfg.NetworkProbeAddr, err)
		}
		conn.Close()
	}
	return nil
}

func checkWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("output directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output directory %q: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("output directory %q not writable: %w", dir, err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func checkDiskSpace(dir string, min uint64) error {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		return fmt.Errorf("statfs %q: %w", dir, err)
	}
	free := uint64(fs.Bavail) * uint64(fs.Bsize)
	if free < min {
		return fmt.Errorf("insufficient disk under %q: %d bytes free, need %d", dir, free, min)
	}
	return nil
}
