package event

import (
	"context"
	"fmt"

	"github.com/beemflowhq/beemflow/config"
)

type EventBus interface {
	Publish(topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler func(payload any))
}

// NewInProcEventBus returns a new in-memory event bus. Used when event config driver=="memory" or omitted.
func NewInProcEventBus() *WatermillEventBus {
	return NewWatermillInMemBus()
}

// NewEventBusFromConfig returns an EventBus based on config. A single
// executor owns a run (spec Non-goals: no distributed execution), so the
// only supported driver is the in-process "memory" bus; anything else
// fails cleanly rather than silently falling back.
func NewEventBusFromConfig(cfg *config.EventConfig) (EventBus, error) {
	if cfg == nil || cfg.Driver == "" || cfg.Driver == "memory" {
		return NewWatermillInMemBus(), nil
	}
	return nil, fmt.Errorf("unsupported event bus driver: %s", cfg.Driver)
}
