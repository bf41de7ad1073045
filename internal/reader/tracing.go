package reader

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flynnfc/mithrildb/internal/mutation"
)

// tracingReader records fill and fast-forward activity of the reader it
// wraps onto an otel span.
type tracingReader struct {
	inner FragmentReader
	span  trace.Span

	fills    int64
	popped   int64
	forwards int64
}

// Tracing decorates inner with span events. The span stays open until the
// reader is closed.
func Tracing(ctx context.Context, tracer trace.Tracer, name string, inner FragmentReader) FragmentReader {
	_, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("table", inner.Schema().Keyspace()+"."+inner.Schema().Table()),
	))
	return &tracingReader{inner: inner, span: span}
}

func (r *tracingReader) Schema() *mutation.Schema { return r.inner.Schema() }

func (r *tracingReader) FillBuffer(ctx context.Context) error {
	r.fills++
	err := r.inner.FillBuffer(ctx)
	if err != nil {
		r.span.RecordError(err)
	}
	return err
}

func (r *tracingReader) PopFragment() *mutation.Fragment {
	r.popped++
	return r.inner.PopFragment()
}

func (r *tracingReader) IsBufferEmpty() bool { return r.inner.IsBufferEmpty() }
func (r *tracingReader) IsEndOfStream() bool { return r.inner.IsEndOfStream() }
func (r *tracingReader) NextPartition()      { r.inner.NextPartition() }

func (r *tracingReader) FastForwardTo(ctx context.Context, pr mutation.PartitionRange) error {
	r.forwards++
	err := r.inner.FastForwardTo(ctx, pr)
	if err != nil {
		r.span.RecordError(err)
	}
	return err
}

func (r *tracingReader) FastForwardToPosition(ctx context.Context, pr mutation.PositionRange) error {
	r.forwards++
	err := r.inner.FastForwardToPosition(ctx, pr)
	if err != nil {
		r.span.RecordError(err)
	}
	return err
}

func (r *tracingReader) Close() error {
	r.span.SetAttributes(
		attribute.Int64("reader.fills", r.fills),
		attribute.Int64("reader.fragments", r.popped),
		attribute.Int64("reader.fast_forwards", r.forwards),
	)
	r.span.End()
	return r.inner.Close()
}
