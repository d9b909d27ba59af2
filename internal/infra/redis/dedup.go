package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/areahq/area-pipeline/internal/logger"
)

const dedupKeyPrefix = "webhook:delivery:"

// Retention windows per provider. GitHub redelivers for up to half an hour,
// Slack retries within a few minutes.
const (
	githubDedupTTL  = 30 * time.Minute
	slackDedupTTL   = 5 * time.Minute
	defaultDedupTTL = 15 * time.Minute
)

// DedupMetrics counts deduplication outcomes.
type DedupMetrics interface {
	IncDedupHit(ctx context.Context, provider string)
	IncDedupMiss(ctx context.Context, provider string)
}

// Deduplicator suppresses duplicate webhook deliveries using SETNX with a
// per-provider retention TTL. The first claim of a delivery ID wins; repeats
// within the window are reported as duplicates.
type Deduplicator struct {
	client  *redis.Client
	logger  *logger.Logger
	metrics DedupMetrics
}

// NewDeduplicator creates a Deduplicator on the given client.
func NewDeduplicator(client *redis.Client, logger *logger.Logger, metrics DedupMetrics) *Deduplicator {
	return &Deduplicator{client: client, logger: logger, metrics: metrics}
}

func dedupTTL(provider string) time.Duration {
	switch strings.ToLower(provider) {
	case "github":
		return githubDedupTTL
	case "slack":
		return slackDedupTTL
	default:
		return defaultDedupTTL
	}
}

// ClaimDelivery atomically claims a delivery ID for the provider. It returns
// true when this is the first sighting and false for a duplicate. An empty or
// whitespace delivery ID cannot be distinguished from any other, so it is
// treated as a duplicate and never processed.
func (d *Deduplicator) ClaimDelivery(ctx context.Context, provider, deliveryID string) (bool, error) {
	if strings.TrimSpace(deliveryID) == "" {
		d.logger.Warn(ctx, "webhook delivery without a delivery ID, dropping", "provider", provider)
		d.metrics.IncDedupHit(ctx, provider)
		return false, nil
	}

	key := dedupKeyPrefix + provider + ":" + deliveryID
	claimed, err := d.client.SetNX(ctx, key, "1", dedupTTL(provider)).Result()
	if err != nil {
		return false, fmt.Errorf("claiming delivery %s/%s: %w", provider, deliveryID, err)
	}
	if !claimed {
		d.logger.Debug(ctx, "duplicate webhook delivery", "provider", provider, "delivery_id", deliveryID)
		d.metrics.IncDedupHit(ctx, provider)
		return false, nil
	}
	d.metrics.IncDedupMiss(ctx, provider)
	return true, nil
}
