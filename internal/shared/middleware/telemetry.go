package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Telemetry wraps an http.Handler with otelhttp server metrics and a span
// per request. Probe endpoints are not traced.
func Telemetry(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "finlink-api",
		otelhttp.WithSpanNameFormatter(spanName),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/ready"
		}),
	)
}

// spanName uses the method alone. Tracing renames the span to the route
// pattern once the mux has matched it.
func spanName(_ string, r *http.Request) string {
	return "HTTP " + r.Method
}
