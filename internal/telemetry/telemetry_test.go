package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown := Setup("ambulance-dispatch", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, shutdown(context.Background()))
}
