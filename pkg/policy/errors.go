package policy

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a malformed policy. It is raised while loading,
// never during evaluation.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError points at the offending policy line. Line is zero for
// problems that concern the policy as a whole.
type ConfigurationError struct {
	Line int
	Msg  string
}

func (e *ConfigurationError) Error() string {
	if e.Line == 0 {
		return "policy: " + e.Msg
	}
	return fmt.Sprintf("policy line %d: %s", e.Line, e.Msg)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(line int, format string, args ...interface{}) error {
	return &ConfigurationError{Line: line, Msg: fmt.Sprintf(format, args...)}
}
