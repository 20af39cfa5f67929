package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func middlewareSetup(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	exp := installTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /history", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(m)(mux), reader, exp
}

func TestMiddleware_Requests(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantRoute  string
	}{
		{name: "history", path: "/history?q=hello", wantStatus: http.StatusOK, wantRoute: "GET /history"},
		{name: "probe", path: "/healthz", wantStatus: http.StatusOK, wantRoute: "GET /healthz"},
		{name: "unmatched", path: "/nope", wantStatus: http.StatusNotFound, wantRoute: "/nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, reader, exp := middlewareSetup(t)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			span := spans[0]
			if cid := rec.Header().Get("X-Correlation-ID"); cid != span.SpanContext.TraceID().String() {
				t.Errorf("X-Correlation-ID = %q, want span trace ID", cid)
			}
			var status int64
			for _, a := range span.Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %d, want %d", status, tt.wantStatus)
			}

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "typefree.http.request.duration")
			if met == nil {
				t.Fatal("duration metric not found")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("data points = %+v, want one sample", hist.DataPoints)
			}
			route, _ := hist.DataPoints[0].Attributes.Value("path")
			if route.AsString() != tt.wantRoute {
				t.Errorf("path attribute = %q, want %q", route.AsString(), tt.wantRoute)
			}
		})
	}
}

func TestMiddleware_JoinsIncomingTrace(t *testing.T) {
	handler, _, _ := middlewareSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("X-Correlation-ID = %q, want the incoming trace ID", got)
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("Hijack without hijack support returned nil error")
	}
	if rec.hijacked {
		t.Fatal("hijacked flag set after failed hijack")
	}
}
