package probes

import (
	"context"
	"fmt"
	"strings"

	"github.com/warden-sh/warden/internal/issue"
)

// ServiceProbe enumerates failed units and enabled units that are not
// running. The operator ignore list suppresses known-intentional gaps.
type ServiceProbe struct {
	run    Runner
	ignore map[string]struct{}
}

func NewServiceProbe(run Runner, ignoreServices []string) *ServiceProbe {
	ignore := make(map[string]struct{}, len(ignoreServices))
	for _, s := range ignoreServices {
		ignore[strings.TrimSpace(s)] = struct{}{}
	}
	return &ServiceProbe{run: run, ignore: ignore}
}

func (p *ServiceProbe) Name() string { return "systemd" }

func (p *ServiceProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	var issues []issue.Issue

	failed, err := p.failedUnits(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, failed...)

	inactive, err := p.enabledInactiveUnits(ctx)
	if err != nil {
		// Failed units were already collected; report them alongside the
		// error so a partial systemd outage still surfaces what it can.
		return issues, err
	}
	issues = append(issues, inactive...)
	return issues, nil
}

func (p *ServiceProbe) failedUnits(ctx context.Context) ([]issue.Issue, error) {
	out, err := p.run(ctx, "systemctl", "list-units", "--type=service",
		"--state=failed", "--plain", "--no-legend")
	if err != nil {
		return nil, fmt.Errorf("failed to list failed units: %w", err)
	}

	var issues []issue.Issue
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		if !strings.HasSuffix(unit, ".service") {
			continue
		}
		if _, ok := p.ignore[unit]; ok {
			continue
		}
		issues = append(issues, issue.Issue{
			Kind:     issue.KindServiceFailure,
			Source:   "systemd",
			Subject:  unit,
			Message:  fmt.Sprintf("unit %s is in failed state", unit),
			Severity: issue.SeverityHigh,
			Attrs:    map[string]string{"service": unit},
		})
	}
	return issues, nil
}

func (p *ServiceProbe) enabledInactiveUnits(ctx context.Context) ([]issue.Issue, error) {
	out, err := p.run(ctx, "systemctl", "list-unit-files", "--type=service",
		"--state=enabled", "--plain", "--no-legend")
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled units: %w", err)
	}

	var issues []issue.Issue
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		if !strings.HasSuffix(unit, ".service") {
			continue
		}
		if _, ok := p.ignore[unit]; ok {
			continue
		}

		props, err := p.unitProperties(ctx, unit)
		if err != nil {
			continue
		}
		if props["ActiveState"] != "inactive" {
			continue
		}
		// One-shots legitimately sit inactive between runs.
		if t := props["Type"]; t == "oneshot" || t == "" {
			continue
		}
		issues = append(issues, issue.Issue{
			Kind:     issue.KindServiceInactive,
			Source:   "systemd",
			Subject:  unit,
			Message:  fmt.Sprintf("unit %s is enabled but inactive", unit),
			Severity: issue.SeverityMedium,
			Attrs:    map[string]string{"service": unit},
		})
	}
	return issues, nil
}

func (p *ServiceProbe) unitProperties(ctx context.Context, unit string) (map[string]string, error) {
	out, err := p.run(ctx, "systemctl", "show", unit,
		"--property=ActiveState,SubState,Type,FragmentPath")
	if err != nil {
		return nil, err
	}
	return parseProperties(out), nil
}

func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if key, value, ok := strings.Cut(line, "="); ok {
			props[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return props
}
