// Package bus publishes domain events to every configured sink.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Source values for DomainEvent.Source.
const (
	SourceDiscovery = "bidwatch.discovery"
	SourceSentinel  = "bidwatch.sentinel"
)

// Event types.
const (
	TypeMatchCreated      = "match.created"
	TypeDetectionCreated  = "detection.created"
	TypeDetectionResolved = "detection.resolved"
)

// DomainEvent is one outcome summary for bus subscribers.
type DomainEvent struct {
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Detail    json.RawMessage `json:"detail"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewDomainEvent marshals detail into an event.
func NewDomainEvent(source, eventType string, detail any, now time.Time) (DomainEvent, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("marshal %s detail: %w", eventType, err)
	}
	return DomainEvent{Source: source, Type: eventType, Detail: raw, Timestamp: now.UTC()}, nil
}

// Publisher is implemented by every sink.
type Publisher interface {
	Publish(ctx context.Context, ev DomainEvent) error
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the joined error reports the ones that failed.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev DomainEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
