package stabilization

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/timelapseplus/extension/internal/stabilization"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
