// Package controlplane talks to the remote job/node registration service.
// It is invoked exactly once per run by the lifecycle controller: it is not
// part of the steady-state collection engine. Authentication follows the
// OAuth2 client-credentials flow via golang.org/x/oauth2/clientcredentials,
// with client id and secret pulled straight from the `restapi` config
// section.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/megware/xbatd/internal/config"
	"golang.org/x/oauth2/clientcredentials"
)

// JobConfig is the per-job policy returned by job registration.
type JobConfig struct {
	IntervalMillis    int  `json:"interval_ms"`
	EnableMonitoring  bool `json:"enableMonitoring"`
	EnableLikwid      bool `json:"enableLikwid"`
	BenchmarkRequired bool `json:"benchmarkRequired"`
}

// Client is the authenticated HTTP client used for job/node registration.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New builds a Client whose requests are transparently bearer-authenticated
// via OAuth2 client-credentials against cfg.
func New(cfg config.RestAPI) *Client {
	oauthCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://%s:%d/oauth/token", cfg.Host, cfg.Port),
	}
	return &Client{
		httpClient: oauthCfg.Client(context.Background()),
		baseURL:    fmt.Sprintf("https://%s:%d/api/v1", cfg.Host, cfg.Port),
	}
}

// RegisterJob posts the job's identity and the node's system-info hash,
// returning the per-job policy the controller needs to decide whether (and
// how) to launch the collection engine.
func (c *Client) RegisterJob(ctx context.Context, jobID uint32, hostname, systemInfoHash string) (JobConfig, error) {
	body := map[string]string{"hostname": hostname, "hash": systemInfoHash}
	var cfg JobConfig
	url := fmt.Sprintf("%s/jobs/%d/register", c.baseURL, jobID)
	if err := c.postJSON(ctx, url, body, &cfg); err != nil {
		return JobConfig{}, fmt.Errorf("controlplane: registering job %d: %w", jobID, err)
	}
	return cfg, nil
}

// RegisterNode posts the full system-info document (including any benchmark
// results gathered this run) keyed by the node's hardware-configuration
// hash.
func (c *Client) RegisterNode(ctx context.Context, systemInfoHash string, systemInfo map[string]any) error {
	url := fmt.Sprintf("%s/nodes/%s/register", c.baseURL, systemInfoHash)
	if err := c.postJSON(ctx, url, systemInfo, nil); err != nil {
		return fmt.Errorf("controlplane: registering node %s: %w", systemInfoHash, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
