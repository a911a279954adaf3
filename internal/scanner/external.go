package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/warden-sh/warden/internal/issue"
	"github.com/warden-sh/warden/internal/probes"
)

// fileFinding binds a static finding to the file it was observed in.
type fileFinding struct {
	Path string
	staticFinding
}

// externalTools drives the optional third-party analyzers. Every invocation
// uses explicit argv; scanned paths are arguments, never shell text.
type externalTools struct {
	run      probes.Runner
	semgrep  string
	clamscan string
	audit    string
	log      zerolog.Logger
}

type semgrepOutput struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
		} `json:"start"`
		Extra struct {
			Message  string `json:"message"`
			Severity string `json:"severity"`
		} `json:"extra"`
	} `json:"results"`
}

// runSemgrep analyzes one file. A missing binary or analyzer failure costs
// only its findings, never the cycle.
func (e *externalTools) runSemgrep(ctx context.Context, path string) []fileFinding {
	if e.semgrep == "" {
		return nil
	}
	out, err := e.run(ctx, e.semgrep, "--json", "--quiet", "--config", "auto", path)
	if err != nil && out == "" {
		e.log.Warn().Err(err).Str("path", path).Msg("semgrep run failed")
		return nil
	}

	var parsed semgrepOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		e.log.Warn().Err(err).Str("path", path).Msg("semgrep output not parseable")
		return nil
	}

	var findings []fileFinding
	for _, r := range parsed.Results {
		findings = append(findings, fileFinding{
			Path: r.Path,
			staticFinding: staticFinding{
				Kind:        string(issue.KindCodeFinding),
				Severity:    semgrepSeverity(r.Extra.Severity),
				Description: r.CheckID,
				Detail:      fmt.Sprintf("line %d: %s", r.Start.Line, clip(r.Extra.Message, staticDetailMax)),
			},
		})
	}
	return findings
}

func semgrepSeverity(s string) issue.Severity {
	switch strings.ToUpper(s) {
	case "ERROR":
		return issue.SeverityHigh
	case "WARNING":
		return issue.SeverityMedium
	default:
		return issue.SeverityLow
	}
}

// runClamscan sweeps a root with the malware engine. clamscan exits nonzero
// when it finds something, so stdout is parsed regardless of the error.
func (e *externalTools) runClamscan(ctx context.Context, root string) []fileFinding {
	if e.clamscan == "" {
		return nil
	}
	out, err := e.run(ctx, e.clamscan, "--no-summary", "--infected", "--recursive", root)
	if err != nil && out == "" {
		e.log.Warn().Err(err).Str("root", root).Msg("clamscan run failed")
		return nil
	}

	var findings []fileFinding
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		path, sig, ok := strings.Cut(strings.TrimSuffix(line, " FOUND"), ": ")
		if !ok {
			continue
		}
		findings = append(findings, fileFinding{
			Path: path,
			staticFinding: staticFinding{
				Kind:        string(issue.KindMalware),
				Severity:    issue.SeverityCritical,
				Description: sig,
				Detail:      "malware engine positive",
			},
		})
	}
	return findings
}

type auditOutput struct {
	Dependencies []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Vulns   []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
		} `json:"vulns"`
	} `json:"dependencies"`
}

// runAudit classifies package-auditor output into findings against the
// requirements file under root.
func (e *externalTools) runAudit(ctx context.Context, root string) []fileFinding {
	if e.audit == "" {
		return nil
	}
	out, err := e.run(ctx, e.audit, "--format", "json", "--requirement", root+"/requirements.txt")
	if err != nil && out == "" {
		e.log.Warn().Err(err).Str("root", root).Msg("package audit failed")
		return nil
	}

	var parsed auditOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		e.log.Warn().Err(err).Str("root", root).Msg("audit output not parseable")
		return nil
	}

	var findings []fileFinding
	for _, dep := range parsed.Dependencies {
		for _, v := range dep.Vulns {
			findings = append(findings, fileFinding{
				Path: root + "/requirements.txt",
				staticFinding: staticFinding{
					Kind:        string(issue.KindPackageVulnerability),
					Severity:    issue.SeverityHigh,
					Description: fmt.Sprintf("%s in %s %s", v.ID, dep.Name, dep.Version),
					Detail:      clip(v.Description, staticDetailMax),
				},
			})
		}
	}
	return findings
}
