package logout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keyfront/gateway/internal/observability"
)

// Notifier delivers logout tokens to registered clients by form POST and
// retries failures with exponential backoff.
type Notifier struct {
	signer  *TokenSigner
	client  *http.Client
	metrics *observability.Metrics
	log     *slog.Logger
}

func NewNotifier(signer *TokenSigner, metrics *observability.Metrics, log *slog.Logger) *Notifier {
	return &Notifier{
		signer:  signer,
		client:  &http.Client{Timeout: 5 * time.Second},
		metrics: metrics,
		log:     log,
	}
}

// Notify sends one back-channel logout notification. A 2xx response counts
// as acknowledged; anything else is retried up to maxRetries within the
// timeout budget.
func (n *Notifier) Notify(ctx context.Context, reg *ClientRegistration, sub, sid string, maxRetries int, timeout time.Duration) NotificationResult {
	result := NotificationResult{ClientID: reg.ClientID, URI: reg.BackchannelLogoutURI}

	token, err := n.signer.Mint(reg.ClientID, sub, sid, maxTokenLifetime)
	if err != nil {
		result.Error = err.Error()
		n.metrics.LogoutNotifies.WithLabelValues("error").Inc()
		return result
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := func() (struct{}, error) {
		result.Attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.BackchannelLogoutURI,
			strings.NewReader(url.Values{"logout_token": {token}}.Encode()))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("client returned %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	tries := uint(maxRetries) + 1
	if maxRetries <= 0 {
		tries = 1
	}

	_, err = backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		result.Error = err.Error()
		n.metrics.LogoutNotifies.WithLabelValues("failed").Inc()
		n.log.Warn("back-channel logout notification failed",
			"client", reg.ClientID, "attempts", result.Attempts, "error", err)
		return result
	}

	result.Acknowledged = true
	n.metrics.LogoutNotifies.WithLabelValues("acknowledged").Inc()
	return result
}
