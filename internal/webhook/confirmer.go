package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Confirmer completes an SNS subscription handshake by visiting SubscribeURL.
type Confirmer struct {
	Client             *http.Client
	NotificationDomain string
}

func NewConfirmer(timeout time.Duration, notificationDomain string) *Confirmer {
	return &Confirmer{
		Client:             &http.Client{Timeout: timeout},
		NotificationDomain: notificationDomain,
	}
}

// Confirm rejects a SubscribeURL outside the provider's domain with
// ErrRejected; a failed GET is returned as a plain error.
func (c *Confirmer) Confirm(ctx context.Context, subscribeURL string) error {
	u, err := url.Parse(subscribeURL)
	if err != nil || subscribeURL == "" {
		return rejectf("invalid SubscribeURL")
	}
	if u.Scheme != "https" || u.User != nil || !inDomain(strings.ToLower(u.Hostname()), c.NotificationDomain) {
		return rejectf("SubscribeURL %q is not trusted", u.Host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("confirm subscription: unexpected status %d", resp.StatusCode)
	}
	return nil
}
