package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const refreshPath = "/api/v1/auth/refresh"

// Refresh exchanges the refresh token for new credentials. Concurrent
// callers, including requests recovering from a 401, share one exchange.
func (c *Client) Refresh(ctx context.Context) (Credentials, error) {
	current := c.Credentials()
	if current.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("%w: no refresh token", ErrSessionExpired)
	}
	return c.refresher.Run(ctx, current.RefreshToken)
}

// renew returns an access token to retry with after used was rejected.
// If another request already replaced used, the current token is
// returned without a new exchange.
func (c *Client) renew(ctx context.Context, used string) (string, error) {
	current := c.Credentials()
	if current.AccessToken != "" && current.AccessToken != used {
		return current.AccessToken, nil
	}
	if current.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", ErrSessionExpired)
	}
	creds, err := c.refresher.Run(ctx, current.RefreshToken)
	if err != nil {
		return "", err
	}
	if creds.AccessToken == used {
		return "", fmt.Errorf("%w: refreshed token was rejected", ErrSessionExpired)
	}
	return creds.AccessToken, nil
}

// refresh is the guarded token exchange. Only one runs at a time.
func (c *Client) refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	if creds, ok, err := c.refreshGate(); err != nil || ok {
		return creds, err
	}

	creds, err := c.exchange(ctx, refreshToken)
	if err != nil {
		c.refreshFailed()
		return Credentials{}, err
	}

	c.SetCredentials(creds)
	c.mu.Lock()
	c.refreshedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info("token refreshed")
	if c.onCreds != nil {
		c.onCreds(creds)
	}
	return creds, nil
}

// refreshGate decides whether an exchange may run now. ok is true when
// the credentials of a refresh inside the cooldown should be reused.
func (c *Client) refreshGate() (creds Credentials, ok bool, err error) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.refreshFailures >= MaxRefreshFailures:
		return Credentials{}, false, fmt.Errorf("%w: giving up after %d failed refreshes",
			ErrSessionExpired, c.refreshFailures)
	case now.Before(c.refreshRetryAt):
		return Credentials{}, false, fmt.Errorf("%w: refresh backing off for %s",
			ErrSessionExpired, c.refreshRetryAt.Sub(now))
	case !c.refreshedAt.IsZero() && now.Sub(c.refreshedAt) < RefreshCooldown:
		c.logger.Debug("refresh cooldown active, reusing credentials")
		return c.creds, true, nil
	}
	return Credentials{}, false, nil
}

// refreshFailed counts a failed exchange and schedules the next allowed
// attempt.
func (c *Client) refreshFailed() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshFailures++
	wait := refreshBackoff << (c.refreshFailures - 1)
	if wait > maxRefreshBackoff {
		wait = maxRefreshBackoff
	}
	c.refreshRetryAt = now.Add(wait)
	if c.refreshFailures >= MaxRefreshFailures {
		c.logger.Error("token refresh failed repeatedly, session expired",
			"failures", c.refreshFailures)
	}
}

// exchange posts refreshToken and decodes the new credentials.
func (c *Client) exchange(ctx context.Context, refreshToken string) (Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Credentials{}, fmt.Errorf("encode refresh request: %w", err)
	}

	req := request{
		method: http.MethodPost,
		path:   refreshPath,
		body:   payload,
		label:  "auth.refresh",
	}
	body, err := c.attempt(ctx, req, c.ids.Generate(), "")
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: decode refresh response: %w", ErrSessionExpired, err)
	}
	if creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w: refresh response has no access token", ErrSessionExpired)
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return creds, nil
}
