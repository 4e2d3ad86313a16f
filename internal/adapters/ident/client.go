// Package ident fetches short-lived join credentials from the token
// issuance service, falling back to a statically configured credential
// when the service cannot produce one.
package ident

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/core"
	"github.com/nebulachat/voicecore/internal/domain"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	http        *http.Client
	endpoint    string
	staticToken string
}

// NewClient builds a token provider. endpoint may be empty when only a
// static credential is configured; both empty makes every Token call fail.
func NewClient(endpoint, staticToken string) *Client {
	return &Client{
		http:        &http.Client{Timeout: defaultTimeout},
		endpoint:    endpoint,
		staticToken: staticToken,
	}
}

type tokenResponse struct {
	Token *string `json:"token"`
}

// Token implements core.TokenProvider. The endpoint contract is
// GET ?channel=&uid=&role= -> {"token": string|null}; a null token or an
// unreachable endpoint falls back to the static credential.
func (c *Client) Token(ctx context.Context, channel string, uid domain.TransportID, role string) (string, error) {
	if c.endpoint == "" {
		return c.fallback(fmt.Errorf("no token endpoint configured"))
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return c.fallback(fmt.Errorf("bad token endpoint: %w", err))
	}
	q := u.Query()
	q.Set("channel", channel)
	q.Set("uid", string(uid))
	q.Set("role", role)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return c.fallback(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.fallback(fmt.Errorf("token fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.fallback(fmt.Errorf("token endpoint status %d", resp.StatusCode))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return c.fallback(fmt.Errorf("token decode: %w", err))
	}
	if tr.Token == nil || *tr.Token == "" {
		return c.fallback(fmt.Errorf("token endpoint returned null token"))
	}
	return *tr.Token, nil
}

func (c *Client) fallback(cause error) (string, error) {
	if c.staticToken != "" {
		log.Warn().Err(cause).
			Str("module", "adapters.ident").
			Msg("using static credential fallback")
		return c.staticToken, nil
	}
	return "", fmt.Errorf("%w: %v", core.ErrNoCredential, cause)
}
