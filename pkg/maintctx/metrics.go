package maintctx

import "go.opentelemetry.io/otel/attribute"

// attrKind renders an ErrorKind as an OTel attribute, following
// pkg/lock/metrics.go's convention of attaching low-cardinality string
// labels to counters.
func attrKind(kind ErrorKind) attribute.KeyValue {
	return attribute.String("kind", string(kind))
}
