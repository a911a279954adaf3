package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/warden-sh/warden/internal/issue"
)

// DockerClient is the slice of the engine API the probes and strategies use.
// *client.Client satisfies it; tests swap in a fake.
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

// NewDockerClient connects to the local engine via the standard environment
// (DOCKER_HOST et al) with API version negotiation. Swappable for tests.
var NewDockerClient = func() (DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return cli, nil
}

const (
	restartWarnThreshold = 5
	restartCritThreshold = 10
)

// Matches docker's human status for stopped containers, e.g.
// "Exited (137) 5 minutes ago".
var exitedStatusRe = regexp.MustCompile(`^Exited \((\d+)\) (?:About an?|(\d+)) (second|minute|hour)s? ago`)

// ContainerProbe inspects all containers and reports recent exits, restart
// loops, excessive restart counts and failing health checks.
type ContainerProbe struct {
	docker DockerClient
	ignore map[string]struct{}
}

func NewContainerProbe(docker DockerClient, ignoreContainers []string) *ContainerProbe {
	ignore := make(map[string]struct{}, len(ignoreContainers))
	for _, c := range ignoreContainers {
		ignore[strings.TrimSpace(c)] = struct{}{}
	}
	return &ContainerProbe{docker: docker, ignore: ignore}
}

func (p *ContainerProbe) Name() string { return "docker" }

func (p *ContainerProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	list, err := p.docker.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var issues []issue.Issue
	for _, summary := range list {
		name := containerName(summary)
		if _, ok := p.ignore[name]; ok {
			continue
		}
		attrs := map[string]string{"container": name}

		switch strings.ToLower(string(summary.State)) {
		case "restarting":
			issues = append(issues, issue.Issue{
				Kind:     issue.KindContainerRestartLoop,
				Source:   "docker",
				Subject:  name,
				Message:  fmt.Sprintf("container %s is stuck restarting (%s)", name, summary.Status),
				Severity: issue.SeverityHigh,
				Attrs:    attrs,
			})
			continue
		case "exited":
			if code, recent := recentExit(summary.Status); recent {
				sev := issue.SeverityMedium
				if code != 0 {
					sev = issue.SeverityHigh
				}
				issues = append(issues, issue.Issue{
					Kind:     issue.KindContainerExit,
					Source:   "docker",
					Subject:  name,
					Message:  fmt.Sprintf("container %s exited with code %d (%s)", name, code, summary.Status),
					Severity: sev,
					Attrs: map[string]string{
						"container": name,
						"exit_code": strconv.Itoa(code),
					},
				})
			}
			continue
		}

		if strings.ToLower(string(summary.State)) != "running" {
			continue
		}

		inspect, err := p.docker.ContainerInspect(ctx, summary.ID)
		if err != nil {
			continue
		}

		if rc := inspect.RestartCount; rc > restartWarnThreshold {
			sev := issue.SeverityMedium
			if rc > restartCritThreshold {
				sev = issue.SeverityCritical
			}
			issues = append(issues, issue.Issue{
				Kind:     issue.KindContainerExcessiveRestart,
				Source:   "docker",
				Subject:  name,
				Message:  fmt.Sprintf("container %s restarted %d times", name, rc),
				Severity: sev,
				Attrs: map[string]string{
					"container":     name,
					"restart_count": strconv.Itoa(rc),
				},
			})
		}

		if inspect.State != nil && inspect.State.Health != nil &&
			inspect.State.Health.Status == "unhealthy" {
			issues = append(issues, issue.Issue{
				Kind:     issue.KindContainerUnhealthy,
				Source:   "docker",
				Subject:  name,
				Message:  fmt.Sprintf("container %s health check failing (streak %d)", name, inspect.State.Health.FailingStreak),
				Severity: issue.SeverityMedium,
				Attrs:    attrs,
			})
		}
	}
	return issues, nil
}

// recentExit reports whether a status line describes an exit within roughly
// the last hour, and the exit code. Older exits are stable state, not news.
func recentExit(status string) (code int, recent bool) {
	m := exitedStatusRe.FindStringSubmatch(status)
	if m == nil {
		return 0, false
	}
	code, _ = strconv.Atoi(m[1])
	unit := m[3]
	if unit == "hour" {
		// "About an hour ago" has no numeric group.
		if m[2] == "" {
			return code, true
		}
		n, _ := strconv.Atoi(m[2])
		return code, n <= 1
	}
	return code, true
}

func containerName(summary container.Summary) string {
	if len(summary.Names) > 0 {
		return strings.TrimPrefix(summary.Names[0], "/")
	}
	if len(summary.ID) >= 12 {
		return summary.ID[:12]
	}
	return summary.ID
}

// containerMemory reads one stats snapshot and returns usage in the shape the
// memory probes need. Reclaimable cache is subtracted to match docker stats.
func containerMemory(ctx context.Context, docker DockerClient, id string) (usedMB, limitMB, pct float64, err error) {
	resp, err := docker.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to decode container stats: %w", err)
	}

	usage := int64(stats.MemoryStats.Usage)
	if cache, ok := stats.MemoryStats.Stats["cache"]; ok {
		usage -= int64(cache)
	} else if inactive, ok := stats.MemoryStats.Stats["inactive_file"]; ok {
		usage -= int64(inactive)
	}
	if usage < 0 {
		usage = int64(stats.MemoryStats.Usage)
	}

	limit := int64(stats.MemoryStats.Limit)
	usedMB = float64(usage) / (1024 * 1024)
	limitMB = float64(limit) / (1024 * 1024)
	if limit > 0 {
		pct = float64(usage) / float64(limit) * 100
	}
	return usedMB, limitMB, pct, nil
}
