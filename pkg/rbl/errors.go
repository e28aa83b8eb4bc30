package rbl

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when the table file cannot be loaded
var ErrInvalidConfig = errors.New("invalid rbl configuration")

// ConfigError describes why a table file was rejected. Line is 0 when the
// file itself could not be read.
type ConfigError struct {
	File   string
	Line   int
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Line == 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.File, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.File, e.Reason)
	}
	return fmt.Sprintf("%s line %d: %s", e.File, e.Line, e.Reason)
}

// Unwrap lets errors.Is match both ErrInvalidConfig and the underlying cause
func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidConfig, e.Err}
	}
	return []error{ErrInvalidConfig}
}
