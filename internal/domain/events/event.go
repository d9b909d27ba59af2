// Package events defines the canonical event that flows through the pipeline
// and the ports used to publish and consume it across system boundaries.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes the origin of a canonical event for routing and
// observability.
type EventType string

// The set of recognized event origins.
const (
	EventTypeWebhook EventType = "webhook"
	EventTypePoll    EventType = "poll"
	EventTypeCron    EventType = "cron"
	EventTypeManual  EventType = "manual"
	EventTypeChain   EventType = "chain"
)

// CanonicalEvent is the normalized internal representation of an inbound
// trigger, decoupled from the originating provider's payload shape. It is
// immutable once published; workers consume it but never mutate it.
type CanonicalEvent struct {
	// ExecutionID is generated by the producer so the message is traceable
	// even before the execution record is persisted.
	ExecutionID uuid.UUID

	// ActionInstanceID identifies the action instance this event belongs to.
	ActionInstanceID uuid.UUID

	// AreaID identifies the owning automation.
	AreaID uuid.UUID

	// Type records the origin of the event.
	Type EventType

	// Source names the component that produced the event ("webhook", "api", ...).
	Source string

	// Payload carries the provider data the reaction will consume.
	Payload map[string]any

	// OccurredAt records when the event was created.
	OccurredAt time.Time
}

// NewCanonicalEvent builds a CanonicalEvent with a fresh execution id and the
// current time.
func NewCanonicalEvent(actionInstanceID, areaID uuid.UUID, typ EventType, source string, payload map[string]any) CanonicalEvent {
	return CanonicalEvent{
		ExecutionID:      uuid.New(),
		ActionInstanceID: actionInstanceID,
		AreaID:           areaID,
		Type:             typ,
		Source:           source,
		Payload:          payload,
		OccurredAt:       time.Now().UTC(),
	}
}

// ToFieldMap flattens the event into the string field map used as the stream
// record schema. Payload values are stored under "payload.<key>" with their
// string representation.
func (e CanonicalEvent) ToFieldMap() map[string]string {
	fields := map[string]string{
		"executionId":      e.ExecutionID.String(),
		"actionInstanceId": e.ActionInstanceID.String(),
		"areaId":           e.AreaID.String(),
		"eventType":        string(e.Type),
		"source":           e.Source,
		"occurredAt":       strconv.FormatInt(e.OccurredAt.UnixMilli(), 10),
	}
	for k, v := range e.Payload {
		fields["payload."+k] = fmt.Sprint(v)
	}
	return fields
}

// CanonicalEventFromFieldMap reconstructs a CanonicalEvent from a stream
// record field map. Payload values come back as strings; consumers that need
// structure re-parse the fields they care about.
func CanonicalEventFromFieldMap(fields map[string]string) (CanonicalEvent, error) {
	executionID, err := uuid.Parse(fields["executionId"])
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("invalid executionId %q: %w", fields["executionId"], err)
	}
	actionInstanceID, err := uuid.Parse(fields["actionInstanceId"])
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("invalid actionInstanceId %q: %w", fields["actionInstanceId"], err)
	}
	areaID, err := uuid.Parse(fields["areaId"])
	if err != nil {
		return CanonicalEvent{}, fmt.Errorf("invalid areaId %q: %w", fields["areaId"], err)
	}

	evt := CanonicalEvent{
		ExecutionID:      executionID,
		ActionInstanceID: actionInstanceID,
		AreaID:           areaID,
		Type:             EventType(fields["eventType"]),
		Source:           fields["source"],
		Payload:          make(map[string]any),
	}

	if ms, err := strconv.ParseInt(fields["occurredAt"], 10, 64); err == nil {
		evt.OccurredAt = time.UnixMilli(ms).UTC()
	}

	for k, v := range fields {
		if rest, ok := strings.CutPrefix(k, "payload."); ok {
			evt.Payload[rest] = v
		}
	}
	return evt, nil
}
