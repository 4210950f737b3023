package authority

import (
	"fmt"
	"strings"

	"unitrack/internal/domain"
)

// ValidationError reports a malformed intent. It is returned before any
// lookup and is not a business outcome.
type ValidationError struct {
	Fields []domain.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Param != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", f.Field, f.Rule, f.Param))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Rule))
	}
	return "invalid intent: " + strings.Join(parts, "; ")
}

// RejectedError is the error form of a terminal business outcome.
type RejectedError struct {
	Outcome domain.Outcome
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Outcome, e.Reason)
}
