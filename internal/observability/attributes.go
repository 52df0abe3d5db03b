// Package observability provides metrics for the publish decision service.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrDecision = "decision"
	attrScope    = "scope"
	attrOp       = "op"
	attrFound    = "found"
	attrSuccess  = "success"
)

// knownRoutes are reported verbatim; anything else is folded into one value.
var knownRoutes = map[string]bool{
	"/livez":         true,
	"/readyz":        true,
	"/metrics":       true,
	"/v1/decisions":  true,
	"/v1/plans":      true,
	"/v1/structure":  true,
	"/v1/publishes":  true,
	"/v1/full-marks": true,
}

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func decisionAttr(decision string) attribute.KeyValue {
	return attribute.String(attrDecision, decision)
}

func scopeAttr(scope string) attribute.KeyValue {
	return attribute.String(attrScope, scope)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func foundAttr(found bool) attribute.KeyValue {
	return attribute.Bool(attrFound, found)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath keeps the label set bounded: scanners probing random URLs
// all end up under "/unmatched".
func normalizePath(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "/unmatched"
}
