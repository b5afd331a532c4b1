// Package notify broadcasts record lifecycle events to interested
// observers. The update flow emits exactly one event per persisted
// record; observers handle audit logging and metrics. Observer failures
// are logged and never fail the update that triggered them.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/rekod/model"
)

// Event names emitted by the update flow.
const (
	EventUpdate = "update"
	EventCancel = "cancel"
)

// Notifier receives record lifecycle events.
type Notifier interface {
	// Emit delivers one event for the given record. Implementations must
	// not mutate the record.
	Emit(ctx context.Context, event string, rec *model.Record)
}

// Fanout delivers each event to every registered notifier in order.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a fan-out over the given notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Emit delivers the event to every registered notifier.
func (f *Fanout) Emit(ctx context.Context, event string, rec *model.Record) {
	for _, n := range f.notifiers {
		n.Emit(ctx, event, rec)
	}
}

// AuditNotifier writes one structured audit line per event, tagged with a
// generated event ID and the acting subject.
type AuditNotifier struct {
	logger *zap.Logger
}

// NewAuditNotifier creates an audit-log notifier.
func NewAuditNotifier(logger *zap.Logger) *AuditNotifier {
	return &AuditNotifier{logger: logger}
}

// Emit writes the audit line.
func (n *AuditNotifier) Emit(ctx context.Context, event string, rec *model.Record) {
	fields := []zap.Field{
		zap.String("event_id", uuid.NewString()),
		zap.String("event", event),
		zap.String("entity", rec.Entity),
		zap.String("selector", rec.Selector),
		zap.Int64("version", rec.Version),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("subject_id", rctx.SubjectID),
			zap.String("tenant_id", rctx.TenantID),
			zap.String("correlation_id", rctx.CorrelationID),
		)
	}
	n.logger.Info("record event", fields...)
}

// MetricsNotifier counts events per entity and event name.
type MetricsNotifier struct {
	events *prometheus.CounterVec
}

// NewMetricsNotifier creates a metrics notifier registered on reg.
func NewMetricsNotifier(reg prometheus.Registerer) *MetricsNotifier {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rekod_record_events_total",
		Help: "Record lifecycle events emitted by the update flow.",
	}, []string{"entity", "event"})
	reg.MustRegister(events)
	return &MetricsNotifier{events: events}
}

// Emit increments the event counter.
func (n *MetricsNotifier) Emit(_ context.Context, event string, rec *model.Record) {
	n.events.WithLabelValues(rec.Entity, event).Inc()
}
