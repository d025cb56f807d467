package pipeline

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/3xpluto/go-api-gateway/internal/reqctx"
)

// Filter is one stage of the request pipeline. Implementations are
// plain structs built with explicit constructors (ratelimit.NewFilter,
// auth.NewFilter, ...) — there is no annotation-driven injection.
type Filter interface {
	Name() string
	Run(rc *reqctx.Context, w http.ResponseWriter, r *http.Request) Outcome
}

// TraceSink receives the final snapshot of every request regardless
// of which Outcome ended the chain. A narrow collaborator interface
// rather than importing package trace directly, so the coordinator
// stays agnostic of the recorder's storage/sink implementation.
type TraceSink interface {
	RecordFinal(rc *reqctx.Context)
}

// Coordinator owns the ordered filter chain and the single place
// where a Kind becomes an HTTP status code and JSON body.
type Coordinator struct {
	filters []Filter
	log     *zap.Logger
	sink    TraceSink
	tracer  trace.Tracer
}

func New(log *zap.Logger, sink TraceSink, filters ...Filter) *Coordinator {
	return &Coordinator{filters: filters, log: log, sink: sink, tracer: otel.Tracer("apigw/pipeline")}
}

func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.New(r)
	ctx := reqctx.WithContext(r.Context(), rc)

	ctx, span := c.tracer.Start(ctx, "gateway.request")
	defer span.End()
	span.SetAttributes(attribute.String("trace_id", rc.TraceID), attribute.String("http.path", r.URL.Path))

	r = r.WithContext(ctx)
	w.Header().Set("X-Trace-Id", rc.TraceID)

	defer func() {
		span.SetAttributes(attribute.Int("http.status_code", rc.StatusCode), attribute.String("gateway.outcome", rc.Outcome))
		if c.sink != nil {
			c.sink.RecordFinal(rc)
		}
	}()

	for _, f := range c.filters {
		out := f.Run(rc, w, r)
		switch out.Tag {
		case TagContinue:
			continue
		case TagShortCircuit:
			rc.Outcome = "short_circuit"
			return
		case TagError:
			rc.Outcome = "error"
			rc.ErrorKind = string(out.Kind)
			c.renderError(w, rc, out)
			return
		}
	}
	rc.Outcome = "continue"
}

func (c *Coordinator) renderError(w http.ResponseWriter, rc *reqctx.Context, out Outcome) {
	status := StatusFor(out.Kind)
	rc.StatusCode = status
	for k, v := range out.Headers {
		w.Header().Set(k, v)
	}
	body := map[string]any{
		"code":    status,
		"message": MessageFor(out.Kind),
		"traceId": rc.TraceID,
	}
	for k, v := range out.Detail {
		body[k] = v
	}
	if out.Err != nil && c.log != nil {
		c.log.Warn("pipeline_error",
			zap.String("trace_id", rc.TraceID),
			zap.String("kind", string(out.Kind)),
			zap.Error(out.Err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
