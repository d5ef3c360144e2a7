package scrape

import (
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadpipe/internal/resilience"
)

const providerName = "website"

// permanentStatuses will not change on retry.
var permanentStatuses = map[int]bool{
	http.StatusUnauthorized:               true,
	http.StatusForbidden:                  true,
	http.StatusNotFound:                   true,
	http.StatusGone:                       true,
	http.StatusUnavailableForLegalReasons: true,
}

// classify turns a fetched response into nil, a TransientError or a
// PermanentError. Anti-bot interstitials count as permanent.
func classify(resp *http.Response, body []byte) error {
	if reason := blockReason(resp, body); reason != "" {
		return &resilience.PermanentError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("blocked by %s", reason),
		}
	}
	switch {
	case resp.StatusCode < 400:
		return nil
	case permanentStatuses[resp.StatusCode]:
		return &resilience.PermanentError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &resilience.TransientError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Err:        eris.Errorf("status %d", resp.StatusCode),
		}
	}
	return resilience.HTTPError(providerName, resp.StatusCode, string(body))
}

// blockReason names the protection in front of the page, if any.
func blockReason(resp *http.Response, body []byte) string {
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return "cloudflare"
		}
	}
	if resp.StatusCode >= 400 {
		return ""
	}

	lower := strings.ToLower(string(body))
	switch {
	case strings.Contains(lower, "checking your browser"), strings.Contains(lower, "cf-browser-verification"):
		return "cloudflare"
	case strings.Contains(lower, "g-recaptcha"), strings.Contains(lower, "h-captcha"):
		return "captcha"
	}
	return ""
}
