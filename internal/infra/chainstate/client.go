// Package chainstate provides read-only access to on-chain treasury
// configuration (admin list, approval threshold) and the chain tip, behind
// a read-through cache with documented fallbacks. Ingestion never blocks on
// it: an unreachable read API degrades notification quality, not event
// application.
package chainstate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

// TreasuryConfig is the on-chain multi-sig configuration of one treasury
// contract.
type TreasuryConfig struct {
	Admins    []string `json:"admins"`
	Threshold int      `json:"threshold"`
	Deployer  string   `json:"deployer"`
}

// Client calls the chain's read-only API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientConfig holds read-API settings.
type ClientConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NewClient creates a read-only API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchTreasuryConfig reads the current admin set and approval threshold of
// a treasury contract, retrying transient failures with fibonacci backoff.
func (c *Client) FetchTreasuryConfig(ctx context.Context, contractID string) (*TreasuryConfig, error) {
	var cfg TreasuryConfig
	endpoint := fmt.Sprintf("%s/v1/contracts/%s/treasury-config", c.baseURL, url.PathEscape(contractID))
	if err := c.getJSON(ctx, endpoint, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FetchTip reads the current chain height.
func (c *Client) FetchTip(ctx context.Context) (uint64, error) {
	var tip struct {
		Height uint64 `json:"height"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/v1/chain/tip", &tip); err != nil {
		return 0, err
	}
	return tip.Height, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("read api returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("read api returned %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode read api response: %w", err)
		}
		return nil
	})
}
