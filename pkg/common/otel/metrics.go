package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewResource creates a new OpenTelemetry resource with service name and any
// extra attributes.
func NewResource(serviceName string, attrs ...attribute.KeyValue) *resource.Resource {
	all := make([]attribute.KeyValue, 0, len(attrs)+1)
	all = append(all, semconv.ServiceNameKey.String(serviceName))
	all = append(all, attrs...)
	return resource.NewWithAttributes(semconv.SchemaURL, all...)
}
