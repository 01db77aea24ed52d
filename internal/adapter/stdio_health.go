package adapter

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// healthLoop ticks every heartbeat interval and enforces, in order: hang
// detection, the memory ceiling, the CPU warning threshold, and the fd
// ceiling. Memory and fd breaches are fatal; CPU only warns.
func (a *StdioAdapter) healthLoop(ctx context.Context, gen int, pid int32) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		a.logger.Warn("cannot inspect subprocess, health loop disabled",
			zap.String("resource", a.cfg.Name),
			zap.Int32("pid", pid),
			zap.Error(err))
		return
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.checkHealth(gen, proc)
		case <-ctx.Done():
			return
		}
	}
}

func (a *StdioAdapter) checkHealth(gen int, proc *process.Process) {
	// Hang: outstanding requests with no frame traffic for too long.
	if a.pendingCount.Load() > 0 {
		idle := time.Since(time.Unix(0, a.lastActivity.Load()))
		if idle > a.cfg.HungTimeout {
			a.logger.Error("subprocess hung, killing for restart",
				zap.String("resource", a.cfg.Name),
				zap.Duration("idle", idle))
			a.kill(gen, "hang", false)
			return
		}
	}

	if a.cfg.MaxMemoryMB > 0 {
		if mi, err := proc.MemoryInfo(); err == nil {
			rssMB := int(mi.RSS / (1 << 20))
			if rssMB > a.cfg.MaxMemoryMB {
				a.logger.Error("subprocess exceeded memory limit",
					zap.String("resource", a.cfg.Name),
					zap.Int("rss_mb", rssMB),
					zap.Int("limit_mb", a.cfg.MaxMemoryMB))
				a.kill(gen, "memory", true)
				return
			}
		}
	}

	if a.cfg.MaxCPUPercent > 0 {
		if cpu, err := proc.CPUPercent(); err == nil && cpu > a.cfg.MaxCPUPercent {
			// CPU pressure is noisy; never kill for it.
			a.logger.Warn("subprocess exceeded CPU threshold",
				zap.String("resource", a.cfg.Name),
				zap.Float64("cpu_percent", cpu),
				zap.Float64("threshold", a.cfg.MaxCPUPercent))
		}
	}

	if a.cfg.MaxFDs > 0 {
		if fds, err := proc.NumFDs(); err == nil && int(fds) > a.cfg.MaxFDs {
			a.logger.Error("subprocess exceeded fd limit",
				zap.String("resource", a.cfg.Name),
				zap.Int32("fds", fds),
				zap.Int("limit", a.cfg.MaxFDs))
			a.kill(gen, "fds", true)
			return
		}
	}
}

// kill terminates the child; the exit is observed by the reader, which runs
// the crash path. fatal marks the breach terminal (no restart).
func (a *StdioAdapter) kill(gen int, cause string, fatal bool) {
	a.mu.Lock()
	if gen != a.gen || a.cmd == nil {
		a.mu.Unlock()
		return
	}
	a.killCause = cause
	a.fatalBreach = fatal
	proc := a.cmd.Process
	a.mu.Unlock()

	_ = proc.Kill()
}
