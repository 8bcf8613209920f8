// Package telemetry provides OpenTelemetry wiring and semantic conventions for audiosum.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for audiosum telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrMessageKind annotates counters with the pipeline message kind (TaskCreated, AudioSplit, ...).
	AttrMessageKind = attribute.Key("message.kind")
	// AttrConsumerGroup identifies the consumer group receiving a delivery.
	AttrConsumerGroup = attribute.Key("consumer.group")
	// AttrStage identifies the pipeline stage (splitter, enhancer, transcriber, summarizer).
	AttrStage = attribute.Key("pipeline.stage")
	// AttrTransfer distinguishes upload and download multipart transfers.
	AttrTransfer = attribute.Key("transfer.direction")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorCode categorizes failures by errs code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrBusDriver labels bus metrics by transport (memory, redis).
	AttrBusDriver = attribute.Key("bus.driver")
)

// Result values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultRetry   = "retry"
	ResultDead    = "dead_letter"
)

// MessageAttributes returns attributes for bus and outbox metrics.
func MessageAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrMessageKind.String(kind),
	}
}

// DeliveryAttributes returns attributes for consumer-side metrics.
func DeliveryAttributes(driver, kind, group string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrBusDriver.String(driver),
		AttrMessageKind.String(kind),
		AttrConsumerGroup.String(group),
	}
}

// StageAttributes returns attributes for stage handler metrics.
func StageAttributes(stage, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStage.String(stage),
		AttrResult.String(result),
	}
}

// TransferAttributes returns attributes for multipart transfer metrics.
func TransferAttributes(direction string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTransfer.String(direction),
	}
}
