package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/areahq/area-pipeline/internal/domain/events"
)

// ErrUnresolvedOwner is returned when no registered action instance matches
// the delivery and no explicit user was supplied. This is a data problem, not
// a transient one, so it is reported as unprocessable rather than retried.
var ErrUnresolvedOwner = errors.New("no owner resolved for webhook delivery")

// Registration ties an inbound provider resource to the action instance that
// subscribed to it.
type Registration struct {
	UserID           string
	AreaID           uuid.UUID
	ActionInstanceID uuid.UUID
}

// RegistrationLookup resolves which action instances subscribe to a provider
// resource. An explicit userID narrows the search for providers that cannot
// self-identify the tenant.
type RegistrationLookup interface {
	Resolve(ctx context.Context, provider, resource, userID string) ([]Registration, error)
}

// Handshake carries a provider subscription-verification challenge that must
// be echoed back verbatim instead of being processed as an event.
type Handshake struct {
	Challenge string
}

// DetectHandshake reports whether the payload is a subscription verification
// request and extracts its challenge.
func DetectHandshake(payload map[string]any) (Handshake, bool) {
	typ, _ := payload["type"].(string)
	if typ != "url_verification" {
		return Handshake{}, false
	}
	challenge, _ := payload["challenge"].(string)
	return Handshake{Challenge: challenge}, true
}

// Normalizer turns a raw provider delivery into canonical events, one per
// matching action instance.
type Normalizer struct {
	registrations RegistrationLookup
}

// NewNormalizer creates a Normalizer backed by the given registration lookup.
func NewNormalizer(registrations RegistrationLookup) *Normalizer {
	return &Normalizer{registrations: registrations}
}

// ParsePayload decodes the raw body into a generic JSON object. Non-object
// payloads decode to an empty map.
func ParsePayload(body []byte) map[string]any {
	payload := make(map[string]any)
	if err := json.Unmarshal(body, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

// Normalize resolves the delivery's owners and fans out one canonical event
// per matching action instance. Zero matches yields ErrUnresolvedOwner.
func (n *Normalizer) Normalize(
	ctx context.Context,
	provider, resource, userID string,
	payload map[string]any,
) ([]events.CanonicalEvent, error) {
	registrations, err := n.registrations.Resolve(ctx, provider, resource, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving registrations for %s/%s: %w", provider, resource, err)
	}
	if len(registrations) == 0 {
		return nil, fmt.Errorf("%w: provider=%s resource=%s", ErrUnresolvedOwner, provider, resource)
	}

	evts := make([]events.CanonicalEvent, 0, len(registrations))
	for _, reg := range registrations {
		evts = append(evts, events.NewCanonicalEvent(
			reg.ActionInstanceID,
			reg.AreaID,
			events.EventTypeWebhook,
			provider,
			payload,
		))
	}
	return evts, nil
}
