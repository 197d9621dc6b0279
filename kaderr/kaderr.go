// Package kaderr holds the small set of structured error types shared
// across kadcore's packages, so every Config.Validate across the module
// reports configuration problems through the same named error type.
package kaderr

import "fmt"

// ConfigurationError is returned by a component's Config.Validate when an
// option holds an invalid value.
type ConfigurationError struct {
	Component string
	Err       error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
