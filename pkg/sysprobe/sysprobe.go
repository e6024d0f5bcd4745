// Package sysprobe provides the default system probe and container-runtime
// liveness probe an agent uses during its self-health step. Both model
// external OS-level collaborators behind small interfaces; this package
// supplies one concrete, swappable implementation so the agent is runnable
// out of the box.
package sysprobe

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/bazbeans/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Probe is the collaborator contract the agent's self-health step consults
// for CPU/memory/disk percentages.
type Probe interface {
	Sample(ctx context.Context) (types.Metrics, error)
}

// GopsutilProbe samples host resource usage with gopsutil. CPU sampling
// blocks for the configured interval; callers that want a shorter tick
// should lower SampleInterval.
type GopsutilProbe struct {
	SampleInterval time.Duration
}

// NewGopsutilProbe returns a Probe with a one second CPU sample window.
func NewGopsutilProbe() *GopsutilProbe {
	return &GopsutilProbe{SampleInterval: time.Second}
}

// Sample returns the current CPU/mem/disk percentages for the host.
func (p *GopsutilProbe) Sample(ctx context.Context) (types.Metrics, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, p.SampleInterval, false)
	if err != nil {
		return types.Metrics{}, fmt.Errorf("sysprobe: cpu sample: %w", err)
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.Metrics{}, fmt.Errorf("sysprobe: mem sample: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return types.Metrics{}, fmt.Errorf("sysprobe: disk sample: %w", err)
	}

	return types.Metrics{
		CPUPercent:  cpuPct,
		MemPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
	}, nil
}

// ContainerRuntimeProbe checks that every container belonging to a scoped
// compose project is in the "running" state. The scope matters: an
// unrelated stopped container on the same host must not freeze the node,
// so the check is narrowed to containers labeled with composeProject.
type ContainerRuntimeProbe struct {
	ComposeProject string
}

// NewContainerRuntimeProbe scopes container liveness checks to a single
// compose project label.
func NewContainerRuntimeProbe(composeProject string) *ContainerRuntimeProbe {
	return &ContainerRuntimeProbe{ComposeProject: composeProject}
}

// CheckAllRunning reports whether every container in the scoped project is
// running. A probe error (runtime unreachable, bad output) is itself a
// health failure.
func (p *ContainerRuntimeProbe) CheckAllRunning(ctx context.Context) (ok bool, detail string, err error) {
	args := []string{"ps", "-a", "--format", "{{.Names}}\t{{.State}}"}
	if p.ComposeProject != "" {
		args = append(args, "--filter", fmt.Sprintf("label=com.docker.compose.project=%s", p.ComposeProject))
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.Output()
	if err != nil {
		return false, "", fmt.Errorf("sysprobe: docker ps failed: %w", err)
	}

	var unhealthy []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		if name, state := fields[0], fields[1]; state != "running" {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		return false, fmt.Sprintf("Unhealthy containers: %s", strings.Join(unhealthy, ", ")), nil
	}
	return true, "", nil
}
