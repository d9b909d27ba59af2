// Package metrics provides the OpenTelemetry-backed implementation of the
// metrics interfaces declared by the pipeline's components.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "area_pipeline"

// Pipeline implements the metrics interfaces of the event bus, deduplicator,
// token cipher, webhook ingestor, OAuth manager, and execution worker.
type Pipeline struct {
	// Event bus metrics.
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Deduplication metrics.
	dedupHits   metric.Int64Counter
	dedupMisses metric.Int64Counter

	// Cipher metrics.
	encryptCalls    metric.Int64Counter
	decryptCalls    metric.Int64Counter
	decryptFailures metric.Int64Counter

	// Webhook metrics.
	webhooksReceived  metric.Int64Counter
	webhooksRejected  metric.Int64Counter
	webhookProcessing metric.Float64Histogram

	// OAuth metrics.
	tokenRefreshSuccess metric.Int64Counter
	tokenRefreshFailure metric.Int64Counter

	// Worker metrics.
	executionsStarted   metric.Int64Counter
	executionsCompleted metric.Int64Counter
	executionsFailed    metric.Int64Counter
	executionsCanceled  metric.Int64Counter
	executionsTimedOut  metric.Int64Counter
	executionDuration   metric.Float64Histogram
	activeWorkers       metric.Int64UpDownCounter
}

// New creates a Pipeline metrics instance on the given meter provider.
func New(mp metric.MeterProvider) (*Pipeline, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	p := new(Pipeline)
	var err error

	if p.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of events published to the stream"),
	); err != nil {
		return nil, err
	}

	if p.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of events consumed from the stream"),
	); err != nil {
		return nil, err
	}

	if p.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if p.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if p.dedupHits, err = meter.Int64Counter(
		"webhook_duplicates_total",
		metric.WithDescription("Total number of duplicate webhook deliveries suppressed"),
	); err != nil {
		return nil, err
	}

	if p.dedupMisses, err = meter.Int64Counter(
		"webhook_first_deliveries_total",
		metric.WithDescription("Total number of first-time webhook deliveries"),
	); err != nil {
		return nil, err
	}

	if p.encryptCalls, err = meter.Int64Counter(
		"token_encrypt_total",
		metric.WithDescription("Total number of token encryptions"),
	); err != nil {
		return nil, err
	}

	if p.decryptCalls, err = meter.Int64Counter(
		"token_decrypt_total",
		metric.WithDescription("Total number of token decryptions"),
	); err != nil {
		return nil, err
	}

	if p.decryptFailures, err = meter.Int64Counter(
		"token_decrypt_failures_total",
		metric.WithDescription("Total number of failed token decryptions"),
	); err != nil {
		return nil, err
	}

	if p.webhooksReceived, err = meter.Int64Counter(
		"webhooks_received_total",
		metric.WithDescription("Total number of webhook deliveries received"),
	); err != nil {
		return nil, err
	}

	if p.webhooksRejected, err = meter.Int64Counter(
		"webhooks_rejected_total",
		metric.WithDescription("Total number of webhook deliveries rejected"),
	); err != nil {
		return nil, err
	}

	if p.webhookProcessing, err = meter.Float64Histogram(
		"webhook_processing_seconds",
		metric.WithDescription("Time spent processing a webhook delivery"),
	); err != nil {
		return nil, err
	}

	if p.tokenRefreshSuccess, err = meter.Int64Counter(
		"token_refresh_success_total",
		metric.WithDescription("Total number of successful OAuth token refreshes"),
	); err != nil {
		return nil, err
	}

	if p.tokenRefreshFailure, err = meter.Int64Counter(
		"token_refresh_failure_total",
		metric.WithDescription("Total number of failed OAuth token refreshes"),
	); err != nil {
		return nil, err
	}

	if p.executionsStarted, err = meter.Int64Counter(
		"executions_started_total",
		metric.WithDescription("Total number of executions started"),
	); err != nil {
		return nil, err
	}

	if p.executionsCompleted, err = meter.Int64Counter(
		"executions_completed_total",
		metric.WithDescription("Total number of executions completed successfully"),
	); err != nil {
		return nil, err
	}

	if p.executionsFailed, err = meter.Int64Counter(
		"executions_failed_total",
		metric.WithDescription("Total number of failed executions"),
	); err != nil {
		return nil, err
	}

	if p.executionsCanceled, err = meter.Int64Counter(
		"executions_canceled_total",
		metric.WithDescription("Total number of canceled executions"),
	); err != nil {
		return nil, err
	}

	if p.executionsTimedOut, err = meter.Int64Counter(
		"executions_timed_out_total",
		metric.WithDescription("Total number of executions failed by the timeout sweep"),
	); err != nil {
		return nil, err
	}

	if p.executionDuration, err = meter.Float64Histogram(
		"execution_duration_seconds",
		metric.WithDescription("Time from execution start to terminal state"),
	); err != nil {
		return nil, err
	}

	if p.activeWorkers, err = meter.Int64UpDownCounter(
		"active_workers",
		metric.WithDescription("Number of workers currently processing an execution"),
	); err != nil {
		return nil, err
	}

	return p, nil
}

func providerAttr(provider string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", provider))
}

func streamAttr(streamKey string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("stream", streamKey))
}

func (p *Pipeline) IncMessagePublished(ctx context.Context, streamKey string) {
	p.messagesPublished.Add(ctx, 1, streamAttr(streamKey))
}

func (p *Pipeline) IncMessageConsumed(ctx context.Context, streamKey string) {
	p.messagesConsumed.Add(ctx, 1, streamAttr(streamKey))
}

func (p *Pipeline) IncPublishError(ctx context.Context, streamKey string) {
	p.publishErrors.Add(ctx, 1, streamAttr(streamKey))
}

func (p *Pipeline) IncConsumeError(ctx context.Context, streamKey string) {
	p.consumeErrors.Add(ctx, 1, streamAttr(streamKey))
}

func (p *Pipeline) IncDedupHit(ctx context.Context, provider string) {
	p.dedupHits.Add(ctx, 1, providerAttr(provider))
}

func (p *Pipeline) IncDedupMiss(ctx context.Context, provider string) {
	p.dedupMisses.Add(ctx, 1, providerAttr(provider))
}

func (p *Pipeline) IncEncryptCall(ctx context.Context) { p.encryptCalls.Add(ctx, 1) }

func (p *Pipeline) IncDecryptCall(ctx context.Context) { p.decryptCalls.Add(ctx, 1) }

func (p *Pipeline) IncDecryptFailure(ctx context.Context) { p.decryptFailures.Add(ctx, 1) }

func (p *Pipeline) IncWebhookReceived(ctx context.Context, provider string) {
	p.webhooksReceived.Add(ctx, 1, providerAttr(provider))
}

func (p *Pipeline) IncWebhookRejected(ctx context.Context, provider, reason string) {
	p.webhooksRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func (p *Pipeline) ObserveWebhookProcessingTime(ctx context.Context, provider string, d time.Duration) {
	p.webhookProcessing.Record(ctx, d.Seconds(), providerAttr(provider))
}

func (p *Pipeline) IncTokenRefreshSuccess(ctx context.Context, provider string) {
	p.tokenRefreshSuccess.Add(ctx, 1, providerAttr(provider))
}

func (p *Pipeline) IncTokenRefreshFailure(ctx context.Context, provider string) {
	p.tokenRefreshFailure.Add(ctx, 1, providerAttr(provider))
}

func (p *Pipeline) IncExecutionStarted(ctx context.Context) { p.executionsStarted.Add(ctx, 1) }

func (p *Pipeline) IncExecutionCompleted(ctx context.Context) { p.executionsCompleted.Add(ctx, 1) }

func (p *Pipeline) IncExecutionFailed(ctx context.Context) { p.executionsFailed.Add(ctx, 1) }

func (p *Pipeline) IncExecutionCanceled(ctx context.Context) { p.executionsCanceled.Add(ctx, 1) }

func (p *Pipeline) IncExecutionTimedOut(ctx context.Context) { p.executionsTimedOut.Add(ctx, 1) }

func (p *Pipeline) ObserveExecutionDuration(ctx context.Context, d time.Duration) {
	p.executionDuration.Record(ctx, d.Seconds())
}

func (p *Pipeline) IncActiveWorkers(ctx context.Context) { p.activeWorkers.Add(ctx, 1) }

func (p *Pipeline) DecActiveWorkers(ctx context.Context) { p.activeWorkers.Add(ctx, -1) }
