package http

import (
	stdhttp "net/http"
	"net/url"
	"strings"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

// loggingRoundTripper wraps another RoundTripper and logs only errors.
type loggingRoundTripper struct {
	next stdhttp.RoundTripper
}

func (l loggingRoundTripper) RoundTrip(req *stdhttp.Request) (*stdhttp.Response, error) {
	resp, err := l.next.RoundTrip(req)

	if err != nil {
		extra := correlation(req, nil)
		if extra != "" {
			logger.Errorf("HTTP transport error method=%s url=%s %s: %v", req.Method, redactURL(req.URL), extra, err)
		} else {
			logger.Errorf("HTTP transport error method=%s url=%s: %v", req.Method, redactURL(req.URL), err)
		}
		return resp, err
	}

	// 404s are routine for alias and index lookups.
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode != stdhttp.StatusNotFound {
		extra := correlation(req, resp)
		if extra != "" {
			logger.Errorf("HTTP status=%d method=%s url=%s %s", resp.StatusCode, req.Method, redactURL(req.URL), extra)
		} else {
			logger.Errorf("HTTP status=%d method=%s url=%s", resp.StatusCode, req.Method, redactURL(req.URL))
		}
	}
	return resp, nil
}

// WithLogging wraps the client's Transport to log only errors (transport failures and HTTP >= 400).
func WithLogging(c *stdhttp.Client) *stdhttp.Client {
	if c == nil {
		c = &stdhttp.Client{}
	}
	next := c.Transport
	if next == nil {
		next = stdhttp.DefaultTransport
	}
	c.Transport = loggingRoundTripper{next: next}
	return c
}

// redactURL drops userinfo so basic auth credentials embedded in cluster URLs never reach the logs.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.User == nil {
		return u.String()
	}
	c := *u
	c.User = url.User("REDACTED")
	return c.String()
}

// correlation collects the request ids the search cluster understands.  Only explicit, non-sensitive headers
// are read.
func correlation(req *stdhttp.Request, resp *stdhttp.Response) string {
	var extra []string
	if v := req.Header.Get("X-Opaque-Id"); v != "" {
		extra = append(extra, "opaque-id="+v)
	}
	if v := req.Header.Get("traceparent"); v != "" {
		extra = append(extra, "tp="+v)
	}
	if resp != nil {
		if v := resp.Header.Get("X-Elastic-Product"); v != "" {
			extra = append(extra, "product="+v)
		}
		if v := resp.Header.Get("Warning"); v != "" {
			extra = append(extra, "warning="+v)
		}
	}
	return strings.Join(extra, " ")
}
