// Package telemetry provides semantic conventions for tradebridge observability.
package telemetry

import (
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, following OpenTelemetry naming:
// namespace.attribute_name.

const (
	// AttrInstrument captures the futures contract code (e.g. rb2505).
	AttrInstrument = attribute.Key("instrument")
	// AttrExchange identifies the venue the instrument trades on.
	AttrExchange = attribute.Key("exchange")
	// AttrClient tags a signal with the sub-client that produced it (md/td).
	AttrClient = attribute.Key("client")
	// AttrEventType annotates counters with the decoded push record class.
	AttrEventType = attribute.Key("event.type")
	// AttrAction labels order telemetry with the logical intent (open_long, ...).
	AttrAction = attribute.Key("order.action")
	// AttrOffset records the physical open/close accounting flag on a leg.
	AttrOffset = attribute.Key("order.offset")
	// AttrOperation differentiates bridge operations (wait_ready, call, stop, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, timeout, ...).
	AttrResult = attribute.Key("result")
	// AttrStrategy names the strategy a signal belongs to.
	AttrStrategy = attribute.Key("strategy")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error code.
	AttrErrorType = attribute.Key("error.type")
)

var (
	envOnce sync.Once
	envName string
)

// Environment returns the deployment environment used to label metrics.
// Resolved once from OTEL_RESOURCE_ENVIRONMENT, falling back to
// TRADEBRIDGE_ENV, then "development".
func Environment() string {
	envOnce.Do(func() {
		envName = strings.TrimSpace(os.Getenv("OTEL_RESOURCE_ENVIRONMENT"))
		if envName == "" {
			envName = strings.TrimSpace(os.Getenv("TRADEBRIDGE_ENV"))
		}
		if envName == "" {
			envName = "development"
		}
	})
	return envName
}

// QuoteAttributes returns common attributes for market data metrics.
func QuoteAttributes(environment, instrument string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstrument.String(instrument),
	}
}

// OrderAttributes returns attributes for order submission metrics.
func OrderAttributes(environment, instrument, action, offset string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstrument.String(instrument),
	}
	if action != "" {
		attrs = append(attrs, AttrAction.String(action))
	}
	if offset != "" {
		attrs = append(attrs, AttrOffset.String(offset))
	}
	return attrs
}

// OperationResultAttributes returns attributes for latency/result metrics.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error counters.
func ErrorAttributes(environment, errorType, operation string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
	}
	if operation != "" {
		attrs = append(attrs, AttrOperation.String(operation))
	}
	return attrs
}
