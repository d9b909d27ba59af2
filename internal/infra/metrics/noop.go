package metrics

import (
	"context"
	"time"
)

// Noop satisfies every metrics interface without recording anything. Used in
// tests and wherever instrumentation is optional.
type Noop struct{}

func (Noop) IncMessagePublished(context.Context, string)                  {}
func (Noop) IncMessageConsumed(context.Context, string)                   {}
func (Noop) IncPublishError(context.Context, string)                      {}
func (Noop) IncConsumeError(context.Context, string)                      {}
func (Noop) IncDedupHit(context.Context, string)                          {}
func (Noop) IncDedupMiss(context.Context, string)                         {}
func (Noop) IncEncryptCall(context.Context)                               {}
func (Noop) IncDecryptCall(context.Context)                               {}
func (Noop) IncDecryptFailure(context.Context)                            {}
func (Noop) IncWebhookReceived(context.Context, string)                   {}
func (Noop) IncWebhookRejected(context.Context, string, string)           {}
func (Noop) ObserveWebhookProcessingTime(context.Context, string, time.Duration) {}
func (Noop) IncTokenRefreshSuccess(context.Context, string)               {}
func (Noop) IncTokenRefreshFailure(context.Context, string)               {}
func (Noop) IncExecutionStarted(context.Context)                          {}
func (Noop) IncExecutionCompleted(context.Context)                        {}
func (Noop) IncExecutionFailed(context.Context)                           {}
func (Noop) IncExecutionCanceled(context.Context)                         {}
func (Noop) IncExecutionTimedOut(context.Context)                         {}
func (Noop) ObserveExecutionDuration(context.Context, time.Duration)      {}
func (Noop) IncActiveWorkers(context.Context)                             {}
func (Noop) DecActiveWorkers(context.Context)                             {}
