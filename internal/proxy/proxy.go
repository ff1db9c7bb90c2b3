// Package proxy implements the authenticated reverse proxy to the
// downstream API. Requests are forwarded with the caller's identity
// injected as headers and the IdP access token dereferenced from the
// session's token blob; browser credentials never cross the boundary.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyfront/gateway/internal/gateway"
	"github.com/keyfront/gateway/internal/observability"
)

// hop-by-hop headers are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// sensitive client headers never reach the downstream.
var sensitiveHeaders = []string{
	"Cookie",
	"Authorization",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"Host",
}

// Identity is what the gateway asserts about the caller downstream.
type Identity struct {
	AccessToken string
	TenantID    string
	UserID      string
	Roles       []string
	TraceID     string
}

// Proxy forwards /api/proxy/* requests to {base}/api/v1/*.
type Proxy struct {
	base       *url.URL
	client     *http.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	metrics    *observability.Metrics
	log        *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// New builds a proxy against the downstream base URL. timeout is the total
// per-request budget; retries is the extra-attempt count on retryable
// failures.
func New(base string, timeout time.Duration, retries int, metrics *observability.Metrics, log *slog.Logger) (*Proxy, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse downstream base %q: %w", base, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		base: u,
		client: &http.Client{
			// No client timeout: the per-request context carries the
			// budget so response streaming is not cut short mid-copy.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:    timeout,
		retries:    retries,
		retryDelay: 250 * time.Millisecond,
		metrics:    metrics,
		log:        log,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}, nil
}

// Forward proxies one request. path is the part after /api/proxy/.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, path string, id Identity) error {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	target := *p.base
	target.Path = strings.TrimSuffix(p.base.Path, "/") + "/api/v1/" + strings.TrimPrefix(path, "/")
	target.RawQuery = r.URL.RawQuery

	// A consumed streaming body cannot be replayed, so retries are only
	// possible for bodyless requests.
	replayable := r.Body == nil || r.ContentLength == 0

	var resp *http.Response
	var lastErr error
	attempts := p.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.metrics.ProxyRetries.Inc()
			p.sleep(ctx, time.Duration(attempt)*p.retryDelay)
			if ctx.Err() != nil {
				break
			}
		}

		out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
		if err != nil {
			return gateway.ProxyFailed(err)
		}
		out.Header = outboundHeaders(r.Header, id)
		out.ContentLength = r.ContentLength

		resp, lastErr = p.client.Do(out)
		if lastErr != nil {
			resp = nil
			if !replayable {
				break
			}
			continue
		}
		if replayable && idempotent(r.Method) && retryableStatus(resp.StatusCode) && attempt < attempts-1 {
			lastErr = fmt.Errorf("downstream returned %d", resp.StatusCode)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp = nil
			continue
		}
		break
	}

	if resp == nil {
		p.metrics.ProxyRequests.WithLabelValues("error").Inc()
		if ctx.Err() == context.DeadlineExceeded || errors.Is(lastErr, context.DeadlineExceeded) {
			return gateway.ProxyTimeout()
		}
		if lastErr == nil {
			lastErr = errors.New("no downstream response")
		}
		return gateway.ProxyFailed(lastErr)
	}
	defer resp.Body.Close()

	p.metrics.ProxyRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	header := w.Header()
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set(gateway.TraceHeader, id.TraceID)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are out; all we can do is log the broken stream.
		p.log.Warn("proxy response stream interrupted", "error", err, "traceId", id.TraceID)
	}
	return nil
}

// outboundHeaders clones the client headers minus hop-by-hop and sensitive
// ones, then injects the gateway identity.
func outboundHeaders(in http.Header, id Identity) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		if isHopByHop(key) || isSensitive(key) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	if id.AccessToken != "" {
		out.Set("Authorization", "Bearer "+id.AccessToken)
	}
	out.Set("X-Tenant-ID", id.TenantID)
	out.Set("X-User-ID", id.UserID)
	out.Set("X-User-Roles", strings.Join(id.Roles, ","))
	out.Set("X-Trace-ID", id.TraceID)
	out.Set("X-Keyfront-Gateway", "true")
	return out
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func isSensitive(key string) bool {
	for _, h := range sensitiveHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
