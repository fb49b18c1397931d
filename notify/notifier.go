// Package notify delivers playbook lifecycle events and action
// notifications to external sinks.
package notify

import (
	"context"
	"errors"
	"fmt"

	"aegis/metrics"
	"aegis/soar"

	"go.uber.org/zap"
)

// Sink is a named lifecycle notifier
type Sink struct {
	Name     string
	Notifier soar.Notifier
}

// Multi fans lifecycle events out to every sink in order. A failing sink
// does not stop delivery to the others.
type Multi struct {
	sinks  []Sink
	logger *zap.SugaredLogger
}

// NewMulti creates a fan-out notifier
func NewMulti(logger *zap.SugaredLogger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Add registers another sink
func (m *Multi) Add(name string, n soar.Notifier) {
	m.sinks = append(m.sinks, Sink{Name: name, Notifier: n})
}

// Len returns the number of sinks
func (m *Multi) Len() int { return len(m.sinks) }

// Notify delivers event to every sink and joins their errors
func (m *Multi) Notify(ctx context.Context, event *soar.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := m.deliver(ctx, s, event); err != nil {
			metrics.LifecycleEvents.WithLabelValues(string(event.Type), s.Name+"_error").Inc()
			m.logger.Warnw("Lifecycle sink failed",
				"sink", s.Name,
				"event", event.Type,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		metrics.LifecycleEvents.WithLabelValues(string(event.Type), s.Name).Inc()
	}
	return errors.Join(errs...)
}

func (m *Multi) deliver(ctx context.Context, s Sink, event *soar.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return s.Notifier.Notify(ctx, event)
}

// LogNotifier writes each lifecycle event as a structured log line
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a log sink
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogNotifier{logger: logger.Named("lifecycle")}
}

// Notify logs the event with its payload flattened into fields
func (l *LogNotifier) Notify(ctx context.Context, event *soar.Event) error {
	fields := make([]interface{}, 0, 2+2*len(event.Payload))
	fields = append(fields, "event", string(event.Type))
	for k, v := range event.Payload {
		fields = append(fields, k, v)
	}
	if event.Type == soar.EventExecutionFailed {
		l.logger.Warnw("Playbook lifecycle event", fields...)
		return nil
	}
	l.logger.Infow("Playbook lifecycle event", fields...)
	return nil
}
