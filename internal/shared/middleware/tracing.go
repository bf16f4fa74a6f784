package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	httpMeter = otel.Meter("finlink/http")

	routeDuration, _ = httpMeter.Float64Histogram("finlink.http.route.duration",
		metric.WithDescription("Request duration per matched route"),
		metric.WithUnit("s"),
	)
	routeRequests, _ = httpMeter.Int64Counter("finlink.http.route.requests",
		metric.WithDescription("Requests per matched route and status"),
	)
)

// Tracing labels the request span and metrics with the ServeMux route
// pattern, so /api/links/{id}/sync is one series rather than one per link.
// It reuses the span started by Telemetry and only opens its own when none
// is active.
func Tracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("finlink/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.request.method", r.Method)),
			)
			defer span.End()
		}

		start := time.Now()
		wrapped := wrapResponseWriter(w)
		req := r.WithContext(ctx)
		next.ServeHTTP(wrapped, req)

		// The mux sets Pattern on the request it routed; unmatched
		// requests share a single label.
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		} else {
			span.SetName(route)
		}

		status := wrapped.Status()
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		attrs := metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
		)
		routeDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		routeRequests.Add(ctx, 1, attrs)
	})
}
