// Package worker consumes canonical events from the stream, drives each
// execution through its state machine, and invokes the reaction that the
// owning action instance configured.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/areahq/area-pipeline/internal/domain/events"
	"github.com/areahq/area-pipeline/internal/logger"
)

// ReactionExecutor performs the outbound side effect for one event. It must
// honor context cancellation; the pool enforces the execution timeout through
// the context it passes in.
type ReactionExecutor interface {
	Execute(ctx context.Context, evt events.CanonicalEvent) error
}

// ReactionTarget resolves where an action instance's reaction should be
// delivered and which credential authorizes it.
type ReactionTarget struct {
	URL      string
	UserID   string
	Provider string
}

// TargetResolver maps an event to its reaction target.
type TargetResolver interface {
	Resolve(ctx context.Context, evt events.CanonicalEvent) (ReactionTarget, error)
}

// TokenSource provides a fresh access token for outbound calls.
type TokenSource interface {
	AccessToken(ctx context.Context, userID, provider string) (string, error)
}

// HTTPReactionExecutor delivers reaction payloads over HTTP, authorized with
// the user's provider token. Outbound calls are rate limited globally so a
// webhook burst cannot hammer third-party APIs.
type HTTPReactionExecutor struct {
	client  *http.Client
	tokens  TokenSource
	targets TargetResolver
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewHTTPReactionExecutor creates an executor limited to rps outbound calls
// per second with the given burst.
func NewHTTPReactionExecutor(
	client *http.Client,
	tokens TokenSource,
	targets TargetResolver,
	rps float64,
	burst int,
	log *logger.Logger,
) *HTTPReactionExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPReactionExecutor{
		client:  client,
		tokens:  tokens,
		targets: targets,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  log.With("component", "reaction_executor"),
	}
}

// Execute resolves the target, waits for rate-limit headroom, and POSTs the
// event payload with the user's bearer token.
func (e *HTTPReactionExecutor) Execute(ctx context.Context, evt events.CanonicalEvent) error {
	target, err := e.targets.Resolve(ctx, evt)
	if err != nil {
		return fmt.Errorf("resolving reaction target: %w", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	token, err := e.tokens.AccessToken(ctx, target.UserID, target.Provider)
	if err != nil {
		return fmt.Errorf("obtaining access token: %w", err)
	}

	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encoding reaction payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building reaction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling reaction endpoint: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reaction endpoint returned %d", resp.StatusCode)
	}

	e.logger.Debug(ctx, "reaction delivered",
		"execution_id", evt.ExecutionID.String(),
		"provider", target.Provider,
		"status", resp.StatusCode,
	)
	return nil
}
