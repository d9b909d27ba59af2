package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/domain/execution"
	"github.com/areahq/area-pipeline/internal/logger"
)

// ErrBadSignature is returned when a delivery carries a signature that does
// not verify against the configured secret.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Outcome classifies how a delivery was handled.
type Outcome string

const (
	// OutcomeAccepted means events were published for the delivery.
	OutcomeAccepted Outcome = "ok"
	// OutcomeDuplicate means the delivery was already seen and suppressed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeHandshake means the delivery was a subscription verification.
	OutcomeHandshake Outcome = "handshake"
)

// Result reports the outcome of one ingested delivery.
type Result struct {
	Outcome      Outcome
	Challenge    string
	ExecutionIDs []uuid.UUID
}

// Deduplicator is the idempotency guard for inbound deliveries.
type Deduplicator interface {
	// ClaimDelivery returns true when this is the first sighting of the
	// delivery id within the retention window.
	ClaimDelivery(ctx context.Context, provider, deliveryID string) (bool, error)
}

// Metrics defines the counters the ingestor reports.
type Metrics interface {
	IncWebhookReceived(ctx context.Context, provider string)
	IncWebhookRejected(ctx context.Context, provider, reason string)
	ObserveWebhookProcessingTime(ctx context.Context, provider string, d time.Duration)
}

// Secrets resolves per-provider webhook signing secrets.
type Secrets interface {
	WebhookSecret(provider string) string
}

// Ingestor accepts raw provider deliveries and drives them through signature
// verification, deduplication, normalization, execution creation, and stream
// publication, in that order. Deduplication happens before publication so a
// canonical event is published at most once per accepted delivery.
type Ingestor struct {
	validator  *SignatureValidator
	dedup      Deduplicator
	normalizer *Normalizer
	executions execution.Store
	bus        events.EventBus
	streamKey  string
	secrets    Secrets

	logger  *logger.Logger
	metrics Metrics
}

// NewIngestor wires the delivery pipeline together.
func NewIngestor(
	validator *SignatureValidator,
	dedup Deduplicator,
	normalizer *Normalizer,
	executions execution.Store,
	bus events.EventBus,
	streamKey string,
	secrets Secrets,
	log *logger.Logger,
	metrics Metrics,
) (*Ingestor, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for webhook ingestor")
	}

	return &Ingestor{
		validator:  validator,
		dedup:      dedup,
		normalizer: normalizer,
		executions: executions,
		bus:        bus,
		streamKey:  streamKey,
		secrets:    secrets,
		logger:     log.With("component", "webhook_ingestor"),
		metrics:    metrics,
	}, nil
}

// Ingest processes one delivery. The userID query parameter is optional and
// only needed for providers that cannot self-identify the tenant.
func (i *Ingestor) Ingest(
	ctx context.Context,
	provider, resource, userID string,
	body []byte,
	header http.Header,
) (Result, error) {
	start := time.Now()
	i.metrics.IncWebhookReceived(ctx, provider)
	defer func() {
		i.metrics.ObserveWebhookProcessingTime(ctx, provider, time.Since(start))
	}()

	if !i.validator.Validate(provider, i.secrets.WebhookSecret(provider), body, header) {
		i.metrics.IncWebhookRejected(ctx, provider, "bad_signature")
		i.logger.Warn(ctx, "rejected webhook with bad signature", "provider", provider, "resource", resource)
		return Result{}, ErrBadSignature
	}

	payload := ParsePayload(body)

	// Subscription verification short-circuits before deduplication; the
	// challenge is echoed verbatim and nothing reaches the bus.
	if handshake, ok := DetectHandshake(payload); ok {
		i.logger.Info(ctx, "answering subscription verification", "provider", provider)
		return Result{Outcome: OutcomeHandshake, Challenge: handshake.Challenge}, nil
	}

	deliveryID := extractDeliveryID(provider, header, payload)
	first, err := i.dedup.ClaimDelivery(ctx, provider, deliveryID)
	if err != nil {
		return Result{}, fmt.Errorf("checking delivery for duplicates: %w", err)
	}
	if !first {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	evts, err := i.normalizer.Normalize(ctx, provider, resource, userID, payload)
	if err != nil {
		if errors.Is(err, ErrUnresolvedOwner) {
			i.metrics.IncWebhookRejected(ctx, provider, "unresolved_owner")
		}
		return Result{}, err
	}

	executionIDs := make([]uuid.UUID, 0, len(evts))
	for _, evt := range evts {
		exec := execution.New(evt.ExecutionID, evt.AreaID, evt.ActionInstanceID)
		if err := i.executions.Create(ctx, exec); err != nil {
			return Result{}, fmt.Errorf("creating execution %s: %w", evt.ExecutionID, err)
		}

		recordID, err := i.bus.Publish(ctx, i.streamKey, evt)
		if err != nil {
			return Result{}, fmt.Errorf("publishing event for execution %s: %w", evt.ExecutionID, err)
		}

		i.logger.Info(ctx, "accepted webhook delivery",
			"provider", provider,
			"resource", resource,
			"execution_id", evt.ExecutionID.String(),
			"record_id", recordID,
		)
		executionIDs = append(executionIDs, evt.ExecutionID)
	}

	return Result{Outcome: OutcomeAccepted, ExecutionIDs: executionIDs}, nil
}

// extractDeliveryID finds the provider's delivery identifier, falling back to
// well-known payload fields when no header carries one.
func extractDeliveryID(provider string, header http.Header, payload map[string]any) string {
	if id := DeliveryID(provider, header); id != "" {
		return id
	}

	switch strings.ToLower(provider) {
	case "slack":
		if id, _ := payload["event_id"].(string); id != "" {
			return id
		}
	}
	if id, _ := payload["delivery_id"].(string); id != "" {
		return id
	}
	if id, _ := payload["id"].(string); id != "" {
		return id
	}
	return ""
}
