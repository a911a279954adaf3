package probes

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/issue"
)

// HTTPProbe checks configured endpoints. Transport-level failures are
// reported with code 000; any status >= 400 is a failure.
type HTTPProbe struct {
	services []config.HTTPService
	client   *http.Client
}

func NewHTTPProbe(services []config.HTTPService) *HTTPProbe {
	return &HTTPProbe{
		services: services,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

func (p *HTTPProbe) Name() string { return "http" }

// Budget sizes the probe's execution window from its endpoints: each declared
// timeout plus a 2s grace, summed, since the checks run sequentially. An
// endpoint may legitimately declare a timeout far above the generic probe cap.
func (p *HTTPProbe) Budget() time.Duration {
	var total time.Duration
	for _, svc := range p.services {
		total += svc.Timeout() + 2*time.Second
	}
	if total <= 0 {
		return DefaultTimeout
	}
	return total
}

func (p *HTTPProbe) Probe(ctx context.Context) ([]issue.Issue, error) {
	var issues []issue.Issue
	for _, svc := range p.services {
		if err := ctx.Err(); err != nil {
			return issues, err
		}
		code, err := p.check(ctx, svc)
		if err == nil && code < 400 {
			continue
		}

		msg := fmt.Sprintf("%s returned HTTP %03d", svc.Name, code)
		if err != nil {
			msg = fmt.Sprintf("%s unreachable: %v", svc.Name, err)
		}
		issues = append(issues, issue.Issue{
			Kind:     issue.KindHTTPFailure,
			Source:   "http",
			Subject:  svc.URL,
			Message:  truncate(msg, logMessageMax),
			Severity: issue.SeverityHigh,
			Attrs: map[string]string{
				"url":       svc.URL,
				"service":   svc.Name,
				"http_code": fmt.Sprintf("%03d", code),
			},
		})
	}
	return issues, nil
}

// check performs one GET under the service's own timeout. Transport failures
// return code 0, rendered as 000 in the issue.
func (p *HTTPProbe) check(ctx context.Context, svc config.HTTPService) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, svc.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// httpCode parses the code attr back out of an issue, for strategies that
// need to distinguish unreachable (000) from an error status.
func httpCode(attrs map[string]string) int {
	n, _ := strconv.Atoi(attrs["http_code"])
	return n
}
