package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnml/kiln/trainer"
)

var _ trainer.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    trainer.Service
}

func Tracing(tracer trace.Tracer, svc trainer.Service) trainer.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) Run(ctx context.Context, cfg trainer.RunConfig) (trainer.RunSummary, error) {
	ctx, span := tm.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("experiment", cfg.Experiment),
		attribute.String("model", cfg.ModelName),
		attribute.Int("epochs", cfg.Epochs),
		attribute.Int("batch_size", cfg.BatchSize),
	))
	defer span.End()

	return tm.svc.Run(ctx, cfg)
}

func (tm *tracing) Infer(ctx context.Context, modelURI string, index int) (trainer.Prediction, error) {
	ctx, span := tm.tracer.Start(ctx, "infer", trace.WithAttributes(
		attribute.String("model_uri", modelURI),
		attribute.Int("index", index),
	))
	defer span.End()

	return tm.svc.Infer(ctx, modelURI, index)
}
