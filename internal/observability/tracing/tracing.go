// Package tracing 初始化 OpenTelemetry 链路追踪。
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config 控制追踪导出。
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Exporter 目前支持 stdout 与 noop。
	Exporter    string  `json:"exporter" yaml:"exporter"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
}

// Setup 设置全局 TracerProvider 并返回关闭函数。未启用时使用 noop 实现。
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	return setup(ctx, cfg, os.Stdout)
}

func setup(_ context.Context, cfg Config, out io.Writer) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout", "":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("创建 stdout 导出器失败: %w", err)
		}
		exporter = exp
	case "noop":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("不支持的追踪导出器: %s", cfg.Exporter)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "intentmesh"
	}
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
