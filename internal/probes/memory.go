package probes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/memhist"
)

const (
	memPressureWarnPct = 70.0
	memPressureCritPct = 85.0

	// Leak evaluation needs this many readings before it says anything.
	leakMinSamples = 4
	// Share of cycle-over-cycle deltas that must be positive.
	leakPositiveDeltaRatio = 0.8
	// Growth over the window that flags a leak, and the point where a
	// flagged leak becomes critical.
	leakGrowthPct   = 20.0
	leakCriticalPct = 50.0
)

// MemoryProbe samples container memory, records each reading in the history
// ring, and reports both instantaneous pressure and sustained growth.
type MemoryProbe struct {
	docker  DockerClient
	history *memhist.Store
	ignore  map[string]struct{}
	now     func() time.Time
}

func NewMemoryProbe(docker DockerClient, history *memhist.Store, ignoreContainers []string) *MemoryProbe {
	ignore := make(map[string]struct{}, len(ignoreContainers))
	for _, c := range ignoreContainers {
		ignore[strings.TrimSpace(c)] = struct{}{}
	}
	return &MemoryProbe{docker: docker, history: history, ignore: ignore, now: time.Now}
}

func (p *MemoryProbe) Name() string { return "memory" }

func (p *MemoryProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	list, err := p.docker.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var issues []issue.Issue
	for _, summary := range list {
		name := containerName(summary)
		if _, ok := p.ignore[name]; ok {
			continue
		}
		usedMB, limitMB, pct, err := containerMemory(ctx, p.docker, summary.ID)
		if err != nil {
			continue
		}
		if limitMB <= 0 {
			// No cgroup limit; percent-based checks are meaningless.
			continue
		}

		if err := p.history.Append(name, memhist.Sample{
			At:      p.now(),
			Pct:     pct,
			UsedMB:  usedMB,
			LimitMB: limitMB,
		}); err != nil {
			return issues, err
		}

		if pct >= memPressureWarnPct {
			sev := issue.SeverityMedium
			if pct >= memPressureCritPct {
				sev = issue.SeverityCritical
			}
			issues = append(issues, issue.Issue{
				Kind:     issue.KindContainerMemoryPressure,
				Source:   "docker",
				Subject:  name,
				Message:  fmt.Sprintf("container %s memory at %.1f%% of limit (%.0f/%.0f MB)", name, pct, usedMB, limitMB),
				Severity: sev,
				Attrs: map[string]string{
					"container":  name,
					"memory_pct": fmt.Sprintf("%.1f", pct),
				},
			})
		}

		if leak, growth := evaluateLeak(p.history.Samples(name)); leak {
			sev := issue.SeverityMedium
			if growth >= leakCriticalPct {
				sev = issue.SeverityCritical
			}
			issues = append(issues, issue.Issue{
				Kind:     issue.KindContainerMemoryLeak,
				Source:   "docker",
				Subject:  name,
				Message:  fmt.Sprintf("container %s memory grew %.1f%% over the last %d samples", name, growth, len(p.history.Samples(name))),
				Severity: sev,
				Attrs: map[string]string{
					"container":  name,
					"growth_pct": fmt.Sprintf("%.1f", growth),
				},
			})
		}
	}
	return issues, nil
}

// evaluateLeak reports sustained growth: at least leakMinSamples readings,
// most deltas positive, and total growth over the window above the
// threshold. Returns the growth percentage relative to the oldest reading.
func evaluateLeak(samples []memhist.Sample) (bool, float64) {
	if len(samples) < leakMinSamples {
		return false, 0
	}
	first := samples[0].UsedMB
	last := samples[len(samples)-1].UsedMB
	if first <= 0 || last <= first {
		return false, 0
	}

	positive := 0
	for i := 1; i < len(samples); i++ {
		if samples[i].UsedMB > samples[i-1].UsedMB {
			positive++
		}
	}
	deltas := len(samples) - 1
	if float64(positive)/float64(deltas) < leakPositiveDeltaRatio {
		return false, 0
	}

	growth := (last - first) / first * 100
	if growth <= leakGrowthPct {
		return false, 0
	}
	return true, growth
}
