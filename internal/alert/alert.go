// Package alert delivers operational alerts for infrastructure-wide failures.
package alert

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/metrics"
	"github.com/JakeFAU/trafficpacer/internal/pacer"
)

// Logger writes alerts to the log at error level. It never fails.
type Logger struct {
	logger *zap.Logger
}

// NewLogger builds a log alerter.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("alert")}
}

// Alert logs the alert.
func (l *Logger) Alert(_ context.Context, a pacer.Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+2)
	fields = append(fields, zap.String("kind", a.Kind), zap.Time("at", a.At))
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	l.logger.Error(a.Message, fields...)
	metrics.ObserveAlert(a.Kind)
	return nil
}

// Publisher sends a JSON payload with attributes to a message topic.
type Publisher interface {
	Publish(ctx context.Context, attrs map[string]string, payload any) (string, error)
}

// Topic forwards alerts to a message topic.
type Topic struct {
	publisher Publisher
}

// NewTopic builds a topic alerter.
func NewTopic(publisher Publisher) *Topic {
	return &Topic{publisher: publisher}
}

// Alert publishes the alert as JSON with its kind as an attribute.
func (t *Topic) Alert(ctx context.Context, a pacer.Alert) error {
	if _, err := t.publisher.Publish(ctx, map[string]string{"kind": a.Kind}, a); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.Kind, err)
	}
	return nil
}

// Fanout delivers every alert to all alerters.
type Fanout []pacer.Alerter

// Alert calls every alerter and joins their errors.
func (f Fanout) Alert(ctx context.Context, a pacer.Alert) error {
	var errs []error
	for _, alerter := range f {
		if err := alerter.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
