package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sensorpulse/internal/config"
	"sensorpulse/internal/models"
	"sensorpulse/internal/notify"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	b := notify.NewBreaker(n, notify.BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour})
	alert := models.AlertHistory{ID: 1, NotifyTarget: "ops@example.com"}

	assert.Error(t, b.Notify(context.Background(), alert))
	assert.Error(t, b.Notify(context.Background(), alert))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Notify(context.Background(), alert)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	n.AssertNumberOfCalls(t, "Notify", 2)
}

func TestBreaker_PassesSuccess(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(nil)

	b := notify.NewBreaker(n, notify.BreakerSettings{})
	require.NoError(t, b.Notify(context.Background(), models.AlertHistory{ID: 1}))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestNew_WithoutHostLogs(t *testing.T) {
	n := notify.New(config.SMTPConfig{})
	assert.NoError(t, n.Notify(context.Background(), models.AlertHistory{ID: 1, Kind: models.MovingAverageMargin}))
}
