// Package errors provides examples of structured error handling in the engine.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/dfengine/pkg/errors"
)

// Example demonstrates basic error creation with build-time context.
func Example() {
	err := errors.New(errors.ErrorTypeDeadEndNode, `node "batch" has no output ports`).
		WithDetail("node", "batch").
		WithDetail("kind", "processor")

	fmt.Println(err.Error())

	// Output:
	// dead_end_node: node "batch" has no output ports
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.EOF, errors.ErrorTypeFile, "failed to read pipeline file").
		WithDetail("file", "pipeline.yaml")

	if errors.IsType(err, errors.ErrorTypeFile) {
		fmt.Println("This is a file error")
	}

	// Output:
	// This is a file error
}

// ExampleIsType shows that IsType walks wrapped engine errors.
func ExampleIsType() {
	inner := errors.New(errors.ErrorTypeUnknownPluginURN, "urn:otel:missing:exporter")
	outer := errors.Wrap(inner, errors.ErrorTypeConfig, `building node "out"`)

	fmt.Println(errors.IsType(outer, errors.ErrorTypeUnknownPluginURN))
	fmt.Println(errors.TypeOf(outer))

	// Output:
	// true
	// config
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	connErr := errors.New(errors.ErrorTypeConnection, "broker unreachable")
	cfgErr := errors.New(errors.ErrorTypeConfig, "missing topic")

	fmt.Println(errors.IsRetryable(connErr))
	fmt.Println(errors.IsRetryable(cfgErr))

	// Output:
	// true
	// false
}
