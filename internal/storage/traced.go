package storage

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("decendata-storage")

// Traced 为 BlobStore 的每次调用添加 span，错误原样返回。
type Traced struct {
	inner  BlobStore
	driver string
}

// WithTracing 包装 inner。
func WithTracing(inner BlobStore, driver string) *Traced {
	return &Traced{inner: inner, driver: driver}
}

var _ BlobStore = (*Traced)(nil)

func (t *Traced) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("blob.driver", t.driver))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Pin 见 Pinner。
func (t *Traced) Pin(ctx context.Context, r io.Reader, name string, meta map[string]string) (PinResult, error) {
	ctx, span := t.start(ctx, "blob.pin", attribute.String("blob.name", name))
	res, err := t.inner.Pin(ctx, r, name, meta)
	if err == nil {
		span.SetAttributes(
			attribute.String("blob.hash", res.ContentHash),
			attribute.Int64("blob.size", res.Size),
		)
	}
	finish(span, err)
	return res, err
}

// Fetch 见 Fetcher。
func (t *Traced) Fetch(ctx context.Context, hash string) (io.ReadCloser, error) {
	ctx, span := t.start(ctx, "blob.fetch", attribute.String("blob.hash", hash))
	rc, err := t.inner.Fetch(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		span.SetAttributes(attribute.Bool("blob.missing", true))
	}
	finish(span, err)
	return rc, err
}

// Unpin 见 Unpinner。
func (t *Traced) Unpin(ctx context.Context, hash string) error {
	ctx, span := t.start(ctx, "blob.unpin", attribute.String("blob.hash", hash))
	err := t.inner.Unpin(ctx, hash)
	finish(span, err)
	return err
}

// List 见 Lister。
func (t *Traced) List(ctx context.Context) ([]PinInfo, error) {
	ctx, span := t.start(ctx, "blob.list")
	pins, err := t.inner.List(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("blob.count", len(pins)))
	}
	finish(span, err)
	return pins, err
}
