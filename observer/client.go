package observer

import (
	"context"
	"time"

	"github.com/nevindra/switchboard"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedClient wraps a switchboard.LLMClient with OTEL instrumentation.
type ObservedClient struct {
	inner switchboard.LLMClient
	inst  *Instruments
}

// WrapClient returns an instrumented client that emits traces, metrics,
// and logs for every upstream call.
func WrapClient(inner switchboard.LLMClient, inst *Instruments) *ObservedClient {
	return &ObservedClient{inner: inner, inst: inst}
}

func (o *ObservedClient) ChatCompletion(ctx context.Context, cred switchboard.Credential, model string, msgs []switchboard.ChatMessage, params switchboard.ChatParams) (switchboard.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.ChatCompletion(ctx, cred, model, msgs, params)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, cred, model, "chat", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedClient) ChatCompletionStream(ctx context.Context, cred switchboard.Credential, model string, msgs []switchboard.ChatMessage, params switchboard.ChatParams, ch chan<- switchboard.StreamEvent) (switchboard.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
	))
	defer span.End()
	start := time.Now()

	// Count chunks through an intermediate channel. The inner client
	// never closes its channel, so this wrapper closes wrapped after the
	// call returns and waits for the forwarder to drain it. The caller's
	// ch stays open; its owner closes it.
	// Buffer wrapped generously so the inner client never blocks on send
	// while the forwarder is stuck on a full ch.
	bufSize := max(cap(ch), 64)
	wrapped := make(chan switchboard.StreamEvent, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range wrapped {
			if ev.Type == switchboard.EventTextDelta {
				chunks++
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.ChatCompletionStream(ctx, cred, model, msgs, params, wrapped)
	close(wrapped)
	<-done // wait for the forwarder before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, cred, model, "chat_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedClient) Embedding(ctx context.Context, cred switchboard.Credential, model string, text string) ([]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
	))
	defer span.End()
	start := time.Now()

	vec, err := o.inner.Embedding(ctx, cred, model, text)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrEmbedDimensions.Int(len(vec)))

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
	)
	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("embedding completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.credential", string(cred.ID)),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return vec, err
}

func (o *ObservedClient) record(ctx context.Context, span trace.Span, cred switchboard.Credential, model, method, status string, durationMs float64, usage switchboard.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMCredential.String(string(cred.ID)),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.credential", string(cred.ID)),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ switchboard.LLMClient = (*ObservedClient)(nil)
