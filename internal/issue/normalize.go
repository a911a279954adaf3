package issue

import (
	"errors"
	"strings"
	"time"
)

// ErrMissingIdentity is returned when a raw issue carries no usable subject
// or source. Such issues are dropped by the driver with a warning.
var ErrMissingIdentity = errors.New("issue has no subject or source")

const maxMessageLen = 500

// Normalize canonicalizes a raw probe issue in place and returns it.
//
// Rules:
//   - subject = first non-empty of attrs.service, attrs.container, attrs.url,
//     source.
//   - severity is promoted to critical when the message mentions "critical".
//   - message is truncated to a bounded length.
//   - observedAt defaults to now.
func Normalize(raw Issue) (Issue, error) {
	if raw.Subject == "" {
		for _, key := range []string{"service", "container", "url"} {
			if v := raw.Attr(key); v != "" {
				raw.Subject = v
				break
			}
		}
	}
	if raw.Subject == "" {
		raw.Subject = raw.Source
	}
	if raw.Subject == "" || raw.Kind == "" {
		return Issue{}, ErrMissingIdentity
	}

	if strings.Contains(strings.ToLower(raw.Message), "critical") && raw.Severity < SeverityCritical {
		raw.Severity = SeverityCritical
	}

	if len(raw.Message) > maxMessageLen {
		raw.Message = raw.Message[:maxMessageLen]
	}

	if raw.ObservedAt.IsZero() {
		raw.ObservedAt = time.Now().UTC()
	}

	return raw, nil
}
