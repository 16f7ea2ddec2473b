package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// apiFixture serves a miniature transcript API through Middleware with
// in-memory metric and span sinks.
type apiFixture struct {
	handler http.Handler
	collect func() snapshot
	spans   *tracetest.InMemoryExporter
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	m, collect := newTestMetrics(t)

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/guilds/{guild}/transcripts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("GET /api/guilds/{guild}/export", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "store offline", http.StatusServiceUnavailable)
	})

	return &apiFixture{handler: Middleware(m)(mux), collect: collect, spans: spans}
}

func (f *apiFixture) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) onlySpan(t *testing.T) sdktrace.ReadOnlySpan {
	t.Helper()
	stubs := f.spans.GetSpans()
	if len(stubs) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(stubs))
	}
	return stubs.Snapshots()[0]
}

func TestMiddleware_CorrelationID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/api/guilds/42/transcripts", nil)
	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32 char trace id", cid)
	}
	if seen := rec.Header().Get("X-Seen-Correlation"); seen != cid {
		t.Errorf("handler saw correlation %q, response carries %q", seen, cid)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	f := newAPIFixture(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := f.get("/api/guilds/42/transcripts", http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if got := f.onlySpan(t).Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("span parent = %s, want the caller's span", got)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	f := newAPIFixture(t)
	f.get("/api/guilds/42/transcripts", nil)

	span := f.onlySpan(t)
	if span.Name() != "GET /api/guilds/{guild}/transcripts" {
		t.Errorf("span name = %q", span.Name())
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["earshot.guild_id"] != "42" {
		t.Errorf("guild attribute = %q, want 42", attrs["earshot.guild_id"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("status attribute = %q, want 200", attrs["http.response.status_code"])
	}
	if span.Status().Code == codes.Error {
		t.Error("successful request marked as error")
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/api/guilds/42/export", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := f.onlySpan(t).Status().Code; got != codes.Error {
		t.Errorf("span status = %v, want error", got)
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	f := newAPIFixture(t)
	f.get("/api/guilds/1/transcripts", nil)
	f.get("/api/guilds/2/transcripts", nil)
	f.get("/unrouted", nil)

	met := f.collect().metrics["earshot.http.request.duration"]
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("earshot.http.request.duration not recorded")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		counts[path.AsString()] += dp.Count
	}
	if counts["GET /api/guilds/{guild}/transcripts"] != 2 {
		t.Errorf("route samples = %v, want both guild requests under one pattern", counts)
	}
	if counts["/unrouted"] != 1 {
		t.Errorf("unmatched request samples = %v, want raw path", counts)
	}
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	n, err := rw.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	rw.WriteHeader(http.StatusTeapot)
	if rw.status != http.StatusOK || rw.bytes != 5 {
		t.Errorf("status=%d bytes=%d, want 200 and 5", rw.status, rw.bytes)
	}
}
