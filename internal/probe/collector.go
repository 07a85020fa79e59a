package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/velocityhq/velocity/internal/fault"
	"github.com/velocityhq/velocity/internal/model"
)

// Resource is one raw document returned by a cloud fetcher.
type Resource struct {
	Ref  string
	Data map[string]any
}

// Fetcher is the transport seam between a probe and its cloud API. Real
// deployments wrap the vendor SDK here; tests inject fakes.
type Fetcher interface {
	// Fetch returns one page of resources for an evidence kind. An empty
	// next cursor means the kind is exhausted.
	Fetch(ctx context.Context, evidenceKind, cursor string) (items []Resource, next string, err error)
	// Ping checks source reachability.
	Ping(ctx context.Context) error
}

// FetcherProvider builds the fetcher for one agent from its config.
type FetcherProvider func(kind model.AgentKind, cfg map[string]string) (Fetcher, error)

// collector walks a kind's evidence catalog page by page. The resume cursor
// encodes the evidence kind index and the provider's own page cursor.
type collector struct {
	meta     Metadata
	tenantID string
	fetcher  Fetcher
}

func newCollector(meta Metadata, cfg map[string]string, fetcher Fetcher) *collector {
	return &collector{meta: meta, tenantID: cfg["tenant_id"], fetcher: fetcher}
}

func (c *collector) Kind() model.AgentKind { return c.meta.Kind }

func (c *collector) Collect(ctx context.Context, cursor string) ([]model.Draft, string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", false, err
	}

	idx, pageCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", false, err
	}
	if idx >= len(c.meta.EvidenceKinds) {
		return nil, "", true, nil
	}
	evidenceKind := c.meta.EvidenceKinds[idx]

	items, next, err := c.fetcher.Fetch(ctx, evidenceKind, pageCursor)
	if err != nil {
		// Keep whatever class the fetcher attached (auth failures are
		// permanent); only an unclassified error defaults to transient.
		if !errors.Is(err, fault.ErrPermanent) && !errors.Is(err, context.Canceled) && !fault.Retryable(err) {
			err = fmt.Errorf("%w: %w", err, fault.ErrTransient)
		}
		return nil, "", false, fmt.Errorf("fetch %s: %w", evidenceKind, err)
	}

	now := time.Now().UTC()
	drafts := make([]model.Draft, 0, len(items))
	for _, item := range items {
		drafts = append(drafts, model.Draft{
			TenantID:    c.tenantID,
			Kind:        evidenceKind,
			Source:      c.meta.Kind,
			ResourceRef: item.Ref,
			CollectedAt: now,
			Frameworks:  c.meta.Frameworks[evidenceKind],
			Data:        item.Data,
			Automated:   true,
		})
	}

	if next != "" {
		return drafts, encodeCursor(idx, next), false, nil
	}
	if idx+1 < len(c.meta.EvidenceKinds) {
		return drafts, encodeCursor(idx+1, ""), false, nil
	}
	return drafts, "", true, nil
}

func (c *collector) Healthcheck(ctx context.Context) Health {
	start := time.Now()
	err := c.fetcher.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Health{OK: false, LatencyMS: latency, Detail: err.Error()}
	}
	return Health{OK: true, LatencyMS: latency}
}

func encodeCursor(idx int, pageCursor string) string {
	return strconv.Itoa(idx) + "|" + pageCursor
}

func decodeCursor(cursor string) (int, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	i := strings.IndexByte(cursor, '|')
	if i < 0 {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, fault.ErrPermanent)
	}
	idx, err := strconv.Atoi(cursor[:i])
	if err != nil || idx < 0 {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, fault.ErrPermanent)
	}
	return idx, cursor[i+1:], nil
}
