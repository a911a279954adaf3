package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/memhist"
	"github.com/warden-sh/warden/internal/probes"
)

// FixResult is the outcome of one remediation attempt.
type FixResult struct {
	OK       bool
	Message  string
	Artifact string
}

// Strategy pairs a fix with its independent verification. Verify runs only
// after TryFix reports success; a fix that cannot be verified did not happen.
type Strategy struct {
	Name   string
	TryFix func(ctx context.Context, is issue.Issue) FixResult
	Verify func(ctx context.Context, is issue.Issue) bool
}

// Rules is the static phase-1 routing table plus the handles its strategies
// act through.
type Rules struct {
	run      CommandRunner
	docker   probes.DockerClient
	history  *memhist.Store
	sudoPass string
	log      zerolog.Logger

	// verifyWindow is how long a restarted container must hold steady
	// before the fix counts. Shrunk in tests.
	verifyWindow time.Duration
	pollInterval time.Duration
}

func NewRules(run CommandRunner, docker probes.DockerClient, history *memhist.Store, sudoPass string, log zerolog.Logger) *Rules {
	return &Rules{
		run:          run,
		docker:       docker,
		history:      history,
		sudoPass:     sudoPass,
		log:          log,
		verifyWindow: 30 * time.Second,
		pollInterval: 2 * time.Second,
	}
}

// Table returns the kind → strategy routing. Kinds absent here fall through
// to the later phases; kinds in EscalatesDirectly never reach a fix at all.
func (r *Rules) Table() map[issue.Kind]Strategy {
	serviceRestart := Strategy{
		Name:   "service-restart",
		TryFix: r.restartService,
		Verify: r.verifyServiceActive,
	}
	containerRestart := Strategy{
		Name:   "container-restart",
		TryFix: r.restartContainer,
		Verify: r.verifyContainerStable,
	}
	return map[issue.Kind]Strategy{
		issue.KindServiceFailure:  serviceRestart,
		issue.KindServiceInactive: serviceRestart,

		issue.KindContainerExit:        containerRestart,
		issue.KindContainerRestartLoop: containerRestart,

		issue.KindContainerUnhealthy: {
			Name:   "container-restart-health",
			TryFix: r.restartContainer,
			Verify: r.verifyContainerHealthy,
		},
		issue.KindContainerMemoryPressure: {
			Name:   "memory-pressure",
			TryFix: r.fixMemoryPressure,
			Verify: r.verifyMemoryFix,
		},
		issue.KindContainerMemoryLeak: {
			Name:   "memory-leak-restart",
			TryFix: r.restartForMemory,
			Verify: r.verifyContainerStable,
		},
	}
}

// EscalatesDirectly reports kinds with no safe automated fix; the dispatcher
// sends them straight to human escalation.
func EscalatesDirectly(is issue.Issue) bool {
	switch is.Kind {
	case issue.KindInvalidServicePath, issue.KindPortConflict, issue.KindMalware:
		return true
	case issue.KindCodeFinding:
		return is.Severity >= issue.SeverityCritical
	}
	return false
}

func (r *Rules) restartService(ctx context.Context, is issue.Issue) FixResult {
	unit := is.Attrs["service"]
	if unit == "" {
		unit = is.Subject
	}
	if !validUnitName(unit) {
		return FixResult{Message: fmt.Sprintf("refusing to restart suspicious unit name %q", unit)}
	}

	var err error
	if r.sudoPass != "" {
		_, err = r.run(ctx, r.sudoPass+"\n", "sudo", "-S", "-p", "", "systemctl", "restart", unit)
	} else {
		_, err = r.run(ctx, "", "systemctl", "restart", unit)
	}
	if err != nil {
		return FixResult{Message: fmt.Sprintf("restart of %s failed: %v", unit, err)}
	}
	return FixResult{OK: true, Message: fmt.Sprintf("restarted unit %s", unit)}
}

func (r *Rules) verifyServiceActive(ctx context.Context, is issue.Issue) bool {
	unit := is.Attrs["service"]
	if unit == "" {
		unit = is.Subject
	}
	out, err := r.run(ctx, "", "systemctl", "is-active", unit)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "active"
}

func (r *Rules) restartContainer(ctx context.Context, is issue.Issue) FixResult {
	name := is.Attrs["container"]
	if name == "" {
		name = is.Subject
	}
	if err := r.docker.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return FixResult{Message: fmt.Sprintf("restart of container %s failed: %v", name, err)}
	}
	return FixResult{OK: true, Message: fmt.Sprintf("restarted container %s", name)}
}

// verifyContainerStable requires the container to be running with an
// unchanged restart count across the verify window.
func (r *Rules) verifyContainerStable(ctx context.Context, is issue.Issue) bool {
	name := is.Attrs["container"]
	if name == "" {
		name = is.Subject
	}
	before, err := r.docker.ContainerInspect(ctx, name)
	if err != nil || before.State == nil || !before.State.Running {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.verifyWindow):
	}

	after, err := r.docker.ContainerInspect(ctx, name)
	if err != nil || after.State == nil {
		return false
	}
	return after.State.Running && after.RestartCount == before.RestartCount
}

// verifyContainerHealthy polls until the health check reports healthy or the
// window closes.
func (r *Rules) verifyContainerHealthy(ctx context.Context, is issue.Issue) bool {
	name := is.Attrs["container"]
	if name == "" {
		name = is.Subject
	}
	deadline := time.Now().Add(r.verifyWindow)
	for {
		inspect, err := r.docker.ContainerInspect(ctx, name)
		if err == nil && inspect.State != nil {
			if inspect.State.Health == nil {
				// Health check removed since detection; running is the best
				// signal left.
				return inspect.State.Running
			}
			if inspect.State.Health.Status == "healthy" {
				return true
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.pollInterval):
		}
	}
}

// fixMemoryPressure acts only on critical pressure; warnings are recorded
// and left alone.
func (r *Rules) fixMemoryPressure(ctx context.Context, is issue.Issue) FixResult {
	if is.Severity < issue.SeverityCritical {
		return FixResult{OK: true, Message: "memory pressure observed, no action taken"}
	}
	return r.restartForMemory(ctx, is)
}

func (r *Rules) verifyMemoryFix(ctx context.Context, is issue.Issue) bool {
	if is.Severity < issue.SeverityCritical {
		return true
	}
	return r.verifyContainerStable(ctx, is)
}

// restartForMemory restarts the container and clears its history ring so the
// post-restart baseline does not immediately re-trigger the leak probe.
func (r *Rules) restartForMemory(ctx context.Context, is issue.Issue) FixResult {
	res := r.restartContainer(ctx, is)
	if !res.OK {
		return res
	}
	name := is.Attrs["container"]
	if name == "" {
		name = is.Subject
	}
	if err := r.history.Clear(name); err != nil {
		r.log.Warn().Err(err).Str("container", name).Msg("failed to clear memory history")
	}
	return FixResult{OK: true, Message: res.Message + ", memory history cleared"}
}

// RunStep executes one allow-listed plan step. The grammar admits no
// metacharacters, so whitespace splitting yields the exact argv. Privileged
// system commands go through sudo when a credential is configured.
func (r *Rules) RunStep(ctx context.Context, step string) (string, error) {
	if !StepAllowed(step) {
		return "", fmt.Errorf("step %q does not match the action grammar", step)
	}
	argv := strings.Fields(step)
	if r.sudoPass != "" && argv[0] != "docker" && argv[0] != "journalctl" {
		full := append([]string{"-S", "-p", ""}, argv...)
		return r.run(ctx, r.sudoPass+"\n", "sudo", full...)
	}
	return r.run(ctx, "", argv[0], argv[1:]...)
}

// validUnitName rejects anything that does not look like a systemd unit, so
// a hostile log line can never smuggle arguments into a privileged restart.
func validUnitName(unit string) bool {
	if unit == "" || len(unit) > 256 {
		return false
	}
	for _, r := range unit {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_' || r == '@' || r == ':':
		default:
			return false
		}
	}
	return true
}
