package stabilization

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigurationError with errors.Is.
	ErrConfiguration = errors.New("stabilization configuration error")

	// ErrChannelBusy is returned when the command channel could not be held.
	// It is transient; the next snapshot request simply tries again.
	ErrChannelBusy = errors.New("command channel busy")
)

// ConfigurationError reports settings that cannot produce a safe parking
// sequence. It is recoverable: the caller falls back to an unstabilized
// capture.
type ConfigurationError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrConfiguration) hold for every ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError creates a ConfigurationError for the stabilization section.
func NewConfigurationError(option, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		Section: Section,
		Option:  option,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapConfigurationError attaches option context to a parse error.
func WrapConfigurationError(option string, err error) *ConfigurationError {
	return &ConfigurationError{
		Section: Section,
		Option:  option,
		Message: err.Error(),
		Cause:   err,
	}
}
