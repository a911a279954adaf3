package scanner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/warden-sh/warden/internal/issue"
)

// staticFinding is one hit from the built-in checks, before it becomes a
// ledger finding.
type staticFinding struct {
	Kind        string
	Severity    issue.Severity
	Description string
	Detail      string
}

// backdoorPatterns are code shapes that indicate an injected backdoor or
// remote-execution primitive. Tuned for recall on the common droppers;
// the verified-positive filter handles the noise.
var backdoorPatterns = []struct {
	re   *regexp.Regexp
	sev  issue.Severity
	desc string
}{
	{regexp.MustCompile(`eval\s*\(\s*(?:base64|b64decode|atob|gzinflate|str_rot13)`), issue.SeverityCritical, "eval of encoded payload"},
	{regexp.MustCompile(`exec\s*\(\s*(?:base64|b64decode|compile\s*\()`), issue.SeverityCritical, "exec of encoded payload"},
	{regexp.MustCompile(`/dev/tcp/\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`), issue.SeverityCritical, "reverse shell via /dev/tcp"},
	{regexp.MustCompile(`(?:curl|wget)[^\n|;&]{0,120}\|\s*(?:ba)?sh\b`), issue.SeverityCritical, "download piped to shell"},
	{regexp.MustCompile(`subprocess\.(?:call|run|Popen)\([^)]*shell\s*=\s*True`), issue.SeverityHigh, "subprocess with shell=True"},
	{regexp.MustCompile(`os\.system\s*\([^)]*(?:%s|\+|\.format\(|f["'])`), issue.SeverityHigh, "os.system with string interpolation"},
	{regexp.MustCompile(`__import__\s*\(\s*["'](?:os|subprocess|socket)["']\s*\)`), issue.SeverityHigh, "obfuscated dynamic import"},
	{regexp.MustCompile(`socket\.socket\([^)]*\)[\s\S]{0,200}?(?:connect|dup2)\(`), issue.SeverityHigh, "raw socket wired to process IO"},
	{regexp.MustCompile(`crontab\s+-[^\n]*\|\s*crontab`), issue.SeverityHigh, "crontab rewrite from a pipe"},
}

// secretAssignRe catches a credential-looking name assigned a quoted value.
var secretAssignRe = regexp.MustCompile(
	`(?i)([A-Za-z0-9_-]*(?:password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key))\s*[:=]\s*["']([^"']{8,})["']`)

// secretValueExclusions are values that look like credentials to the regex
// but are not: booleans, nulls, and obvious placeholders or lookups.
var secretValueExclusions = []string{
	"true", "false", "none", "null", "nil", "undefined",
	"changeme", "change_me", "example", "placeholder", "your_",
	"${", "{{", "os.environ", "getenv", "process.env", "<",
}

const staticDetailMax = 160

// runStaticChecks applies the backdoor patterns and the hardcoded-secret
// heuristic to one file's content.
func runStaticChecks(content string) []staticFinding {
	var out []staticFinding

	for _, p := range backdoorPatterns {
		if loc := p.re.FindString(content); loc != "" {
			out = append(out, staticFinding{
				Kind:        string(issue.KindCodeFinding),
				Severity:    p.sev,
				Description: p.desc,
				Detail:      clip(loc, staticDetailMax),
			})
		}
	}

	seen := make(map[string]struct{})
	for lineNo, line := range strings.Split(content, "\n") {
		m := secretAssignRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, value := m[1], m[2]
		if excludedSecretValue(value) {
			continue
		}
		desc := fmt.Sprintf("hardcoded %s", strings.ToLower(name))
		if _, dup := seen[desc]; dup {
			continue
		}
		seen[desc] = struct{}{}
		out = append(out, staticFinding{
			Kind:        "hardcoded_secret",
			Severity:    issue.SeverityHigh,
			Description: desc,
			Detail:      fmt.Sprintf("line %d", lineNo+1),
		})
	}
	return out
}

func excludedSecretValue(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return true
	}
	for _, ex := range secretValueExclusions {
		if v == ex || strings.Contains(v, ex) {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
