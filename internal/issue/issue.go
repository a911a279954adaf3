// Package issue defines the transient problem record produced by probes and
// consumed by the admission filter and strategy dispatcher.
package issue

import (
	"fmt"
	"strings"
	"time"
)

// Severity orders issues from informational to critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity maps a stored severity string back to its level. Unknown
// values map to info so that a corrupt row never escalates on its own.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Kind identifies the class of problem a probe detected. Fingerprints embed
// the kind, so two probes must never share one.
type Kind string

const (
	KindServiceFailure            Kind = "service_failure"
	KindServiceInactive           Kind = "service_inactive"
	KindContainerExit             Kind = "container_exit"
	KindContainerRestartLoop      Kind = "container_restart_loop"
	KindContainerUnhealthy        Kind = "container_unhealthy"
	KindContainerExcessiveRestart Kind = "container_excessive_restart"
	KindContainerMemoryPressure   Kind = "container_memory_pressure"
	KindContainerMemoryLeak       Kind = "container_memory_leak"
	KindHTTPFailure               Kind = "http_failure"
	KindLogError                  Kind = "log_error"
	KindPortConflict              Kind = "port_conflict"
	KindInvalidServicePath        Kind = "invalid_service_path"
	KindPackageVulnerability      Kind = "package_vulnerability"
	KindCodeFinding               Kind = "code_finding"
	KindMalware                   Kind = "malware"
)

// Issue is a single detected problem. Issues are transient; the ledger holds
// the persistent task derived from one.
type Issue struct {
	Kind       Kind              `json:"kind"`
	Source     string            `json:"source"`
	Subject    string            `json:"subject"`
	Message    string            `json:"message"`
	Severity   Severity          `json:"severity"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	ObservedAt time.Time         `json:"observedAt"`
}

// Fingerprint is the canonical identity of a recurring problem. Equal
// fingerprints mean "same underlying problem" across cycles.
func (i Issue) Fingerprint() string {
	return fmt.Sprintf("%s:%s:%s", i.Kind, i.Source, i.Subject)
}

// Attr returns the named attribute or "".
func (i Issue) Attr(key string) string {
	if i.Attrs == nil {
		return ""
	}
	return i.Attrs[key]
}
