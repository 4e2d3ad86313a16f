// Package profile looks up presentation meta-data from the profile
// service. Lookups are best-effort: a missing or failing profile yields an
// empty result, never an error that would drop a participant.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/domain"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	http    *http.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Lookup implements core.ProfileProvider. Non-200 responses mean "no
// metadata available" and return an empty profile with no error; only
// transport-level failures surface as errors (the roster absorbs those
// too).
func (c *Client) Lookup(ctx context.Context, user domain.UserID) (domain.Profile, error) {
	if c.baseURL == "" {
		return domain.Profile{}, nil
	}
	url := c.baseURL + "/" + string(user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("profile request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("profile fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().
			Str("module", "adapters.profile").
			Str("user", string(user)).
			Int("status", resp.StatusCode).
			Msg("no profile metadata")
		return domain.Profile{}, nil
	}
	var p domain.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return domain.Profile{}, fmt.Errorf("profile decode: %w", err)
	}
	return p, nil
}
