// Package observability provides OpenTelemetry metrics exported to Prometheus.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrBackend   = "backend"
	attrOperation = "operation"
	attrOutcome   = "outcome"
	attrState     = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func operationAttr(op string) attribute.KeyValue {
	return attribute.String(attrOperation, op)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// normalizePath replaces resource ids with placeholders to bound cardinality.
// /v1/jobs/abc123/messages -> /v1/jobs/{jobId}/messages
func normalizePath(path string) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) < 3 || segs[0] != "v1" || segs[2] == "" {
		return path
	}
	switch segs[1] {
	case "jobs":
		segs[2] = "{jobId}"
	case "watches":
		segs[2] = "{watchId}"
	default:
		return path
	}
	return "/" + strings.Join(segs, "/")
}
