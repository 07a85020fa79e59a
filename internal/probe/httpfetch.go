package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

// HTTPFetcher pulls evidence pages from a collector gateway over JSON. The
// gateway fronts the vendor SDKs; the control plane only speaks this one
// paged protocol regardless of the source cloud.
type HTTPFetcher struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPFetcher builds a fetcher against the gateway at endpoint. A nil
// client gets a 30s-timeout default.
func NewHTTPFetcher(endpoint, token string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{
		base:   strings.TrimRight(endpoint, "/"),
		token:  token,
		client: client,
	}
}

type fetchPage struct {
	Items []struct {
		Ref  string         `json:"ref"`
		Data map[string]any `json:"data"`
	} `json:"items"`
	Next string `json:"next,omitempty"`
}

// Fetch returns one page of resources for an evidence kind.
func (f *HTTPFetcher) Fetch(ctx context.Context, evidenceKind, cursor string) ([]Resource, string, error) {
	u := f.base + "/v1/evidence/" + url.PathEscape(evidenceKind)
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %v: %w", evidenceKind, err, fault.ErrTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", fmt.Errorf("fetch %s: status %d: %w", evidenceKind, resp.StatusCode, fault.ErrPermanent)
	default:
		return nil, "", fmt.Errorf("fetch %s: status %d: %w", evidenceKind, resp.StatusCode, fault.ErrTransient)
	}

	var page fetchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("decode %s page: %v: %w", evidenceKind, err, fault.ErrTransient)
	}
	items := make([]Resource, 0, len(page.Items))
	for _, it := range page.Items {
		items = append(items, Resource{Ref: it.Ref, Data: it.Data})
	}
	return items, page.Next, nil
}

// Ping checks gateway reachability.
func (f *HTTPFetcher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/healthz", nil)
	if err != nil {
		return err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return nil
}

// HTTPProvider builds HTTP fetchers from agent config. Every agent config
// must carry an "endpoint" key pointing at its collector gateway; "token"
// is attached as a bearer credential when present.
func HTTPProvider(client *http.Client) FetcherProvider {
	return func(kind model.AgentKind, cfg map[string]string) (Fetcher, error) {
		endpoint := cfg["endpoint"]
		if endpoint == "" {
			return nil, fmt.Errorf("%s agent: endpoint is required: %w", kind, fault.ErrConfig)
		}
		return NewHTTPFetcher(endpoint, cfg["token"], client), nil
	}
}
