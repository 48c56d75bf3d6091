// Package telemetry provides semantic conventions for order desk observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
)

// Semantic convention attribute keys for order desk telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrComponent names the application service emitting the signal (lifecycle, notify, swap, bulk).
	AttrComponent = attribute.Key("component")
	// AttrOperation differentiates specific operations (transition, create_order, raise, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation: success or the error code.
	AttrResult = attribute.Key("result")
	// AttrStatusFrom is the order status before a transition.
	AttrStatusFrom = attribute.Key("order.status.from")
	// AttrStatusTo is the requested order status.
	AttrStatusTo = attribute.Key("order.status.to")
	// AttrFacet labels notification metrics with the unread facet.
	AttrFacet = attribute.Key("notification.facet")
	// AttrAudience labels notification metrics with the ledger audience.
	AttrAudience = attribute.Key("notification.audience")
	// AttrBulkMode distinguishes apply-all from sequential bulk runs.
	AttrBulkMode = attribute.Key("bulk.mode")
	// AttrStorage names the persistence backend (memory, postgres, redis).
	AttrStorage = attribute.Key("storage")
)

// Result values shared by every component.
const (
	ResultSuccess = "success"
)

// ResultOf classifies err for the result attribute.
func ResultOf(err error) string {
	if err == nil {
		return ResultSuccess
	}
	return string(errs.CodeOf(err))
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, component, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// TransitionAttributes returns attributes for lifecycle transition metrics.
func TransitionAttributes(environment, from, to, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStatusTo.String(to),
		AttrResult.String(result),
	}
	if from != "" {
		attrs = append(attrs, AttrStatusFrom.String(from))
	}
	return attrs
}

// NotificationAttributes returns attributes for notification ledger metrics.
func NotificationAttributes(environment, audience, operation, facet string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAudience.String(audience),
		AttrOperation.String(operation),
	}
	if facet != "" {
		attrs = append(attrs, AttrFacet.String(facet))
	}
	return attrs
}
