package sanago

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used for API calls and revalidations.
const InstrumentationName = "github.com/jesse457/SanaGo-desktop-sub000"

// tracer resolves through the global provider on every call so a provider
// installed after package init is still picked up.
func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
