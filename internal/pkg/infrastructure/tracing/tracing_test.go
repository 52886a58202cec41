package tracing

import (
	"context"
	"testing"

	"github.com/matryer/is"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	is := is.New(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cleanup, err := Init(context.Background(), "iot-lock-mgmt", "test")
	is.NoErr(err)
	is.True(cleanup != nil)

	cleanup()
}

func TestResourceNamesTheService(t *testing.T) {
	is := is.New(t)

	r := NewResource("iot-lock-mgmt", "abc123")

	name, ok := r.Set().Value(semconv.ServiceNameKey)
	is.True(ok)
	is.Equal("iot-lock-mgmt", name.AsString())

	version, ok := r.Set().Value(semconv.ServiceVersionKey)
	is.True(ok)
	is.Equal("abc123", version.AsString())
}
