package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware times each API request, counts it by route and status,
// and wraps it in an "http.request" span. Either sink may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	p := reporter{metrics: metrics, tracer: tracer}
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := metricPath(r.URL.Path)
			_, end := p.span(r.Context(), "http.request",
				attribute.String("http.method", r.Method),
				attribute.String("http.path", route),
			)

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}
			start := time.Now()
			err := next(c)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			end(err, attribute.Int("http.status_code", code))
			metrics.RecordHTTP(r.Method, route, code, time.Since(start).Seconds())
			return err
		}
	}
}

// metricPath collapses run IDs to ":id" to bound label cardinality.
func metricPath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if uuid.Validate(seg) == nil {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
