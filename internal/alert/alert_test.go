package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, attrs map[string]string, payload any) (string, error) {
	args := m.Called(ctx, attrs, payload)
	return args.String(0), args.Error(1)
}

var sample = pacer.Alert{
	Kind:    "persistence_failure",
	Message: "attempt commit failed after retries",
	Fields:  map[string]any{"task_id": "t1"},
	At:      time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
}

func TestLoggerAlert(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	require.NoError(t, NewLogger(zap.New(core)).Alert(context.Background(), sample))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, sample.Message, entries[0].Message)
	assert.Equal(t, "t1", entries[0].ContextMap()["task_id"])
}

func TestFanoutPublishesAndJoinsErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	attrs := map[string]string{"kind": "persistence_failure"}
	ok := &mockPublisher{}
	ok.On("Publish", ctx, attrs, sample).Return("msg-1", nil).Once()
	broken := &mockPublisher{}
	broken.On("Publish", ctx, attrs, sample).Return("", errors.New("topic not found")).Once()

	fan := Fanout{NewLogger(nil), NewTopic(ok), NewTopic(broken)}
	err := fan.Alert(ctx, sample)
	require.ErrorContains(t, err, "topic not found")
	assert.ErrorContains(t, err, "publish alert persistence_failure")

	ok.AssertExpectations(t)
	broken.AssertExpectations(t)
}
