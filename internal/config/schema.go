package config

import (
	"fmt"
	"strings"
)

// InvalidValueError reports a value outside of its allowed set
type InvalidValueError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s %q is not valid, options are: %s", e.Field, e.Value, FormatOptions(e.Allowed))
}

// OneOf validates that value is a member of allowed. It is the single
// enum check shared by the config, the options resolver and the
// deployment result model.
func OneOf[T ~string](field string, value T, allowed []T) error {
	for _, a := range allowed {
		if a == value {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return &InvalidValueError{Field: field, Value: string(value), Allowed: names}
}

// FormatOptions renders a list of options as 'a', 'b', 'c'
func FormatOptions(options []string) string {
	if len(options) == 0 {
		return "(none)"
	}
	return "'" + strings.Join(options, "', '") + "'"
}
