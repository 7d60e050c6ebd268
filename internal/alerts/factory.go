package alerts

import (
	"context"

	"sensorpulse/internal/models"
	"sensorpulse/internal/storage"
)

// Factory builds a fresh Engine for each unit of work so no evaluation
// shares in-memory state with another.
type Factory func() *Engine

// NewFactory returns a Factory over the store's rule, state and history repositories.
func NewFactory(store *storage.Store) Factory {
	return func() *Engine {
		return NewEngine(store.Rules, store.AlertStates, store.AlertHistory)
	}
}

// HandleEvent evaluates one broker event. Any error, including a single
// failed rule, is returned so the message can be redelivered; rules that
// already applied the measurement skip it on the next attempt.
func (f Factory) HandleEvent(ctx context.Context, ev *models.MeasurementEvent) error {
	_, err := f().Evaluate(ctx, ReadingFromEvent(ev))
	return err
}
