package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), Config{Enabled: true, Exporter: "stdout"}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "coordinator.AcceptMatch")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "coordinator.AcceptMatch")
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
}
