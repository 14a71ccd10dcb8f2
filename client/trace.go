package client

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "tracker-board/client"
	requestSpanName    = "tracker.client.request"
	requestEventName   = "client.request"
	requestEventDomain = "tracker.client"
)

// requestTelemetry covers one logical request: a span spanning all attempts,
// a span event per attempt, and a final log entry correlated by trace id.
// The global tracer provider is used, so without an SDK installed this is a
// no-op span.
type requestTelemetry struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time
	method string
	path   string
}

func startRequestTelemetry(ctx context.Context, logger *log.Logger, method, path, requestID string) (context.Context, *requestTelemetry) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	ctx, span := tracer.Start(ctx, requestSpanName, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.String("tracker.request_id", requestID),
	))
	return ctx, &requestTelemetry{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		path:   path,
	}
}

// Attempt records the outcome of a single HTTP attempt. wait is the pause
// scheduled before the next attempt, 0 when there is none.
func (m *requestTelemetry) Attempt(attempt, status int, wait time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Int("tracker.client.attempt", attempt),
		attribute.Int("http.status_code", status),
	}
	if wait > 0 {
		attrs = append(attrs, attribute.Float64("tracker.client.wait_ms", durationToMillis(wait)))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	m.span.AddEvent("client.attempt", trace.WithAttributes(attrs...))
}

// Finish closes the span and emits the observability event for the request.
func (m *requestTelemetry) Finish(status, attempts int, err error) {
	if m == nil {
		return
	}
	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	m.span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int("tracker.client.attempts", attempts),
	)

	eventAttrs := []attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.Float64("tracker.client.total_ms", totalMs),
	}
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"method":          m.method,
		"path":            m.path,
		"status":          status,
		"attempts":        attempts,
		"total_ms":        totalMs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
	m.span.End()
}

// severityForStatus maps an HTTP status and error to log severity following
// the OpenTelemetry severity number scale.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
