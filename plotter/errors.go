package plotter

import "fmt"

// ConfigError is an invalid setting or argument, found before any hardware
// is touched
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CommandError is a malformed motion command.  Err, if not nil, is the
// underlying problem, such as a *ConfigError for a bad feed rate.
type CommandError struct {
	Index   int
	Command Command
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %d (%s): %v", e.Index, e.Command, e.Err)
	}
	return fmt.Sprintf("command %d (%s): %s", e.Index, e.Command, e.Reason)
}

// Unwrap returns the underlying error
func (e *CommandError) Unwrap() error {
	return e.Err
}
