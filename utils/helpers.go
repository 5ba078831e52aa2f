package utils

import (
	"context"
	"encoding/json"

	"github.com/beemflowhq/beemflow/logger"
)

// Errorf formats an error, logs it through the internal logger, and returns it.
func Errorf(format string, v ...any) error {
	return logger.Errorf(format, v...)
}

// ============================================================================
// STANDARDIZED JSON HELPERS
// ============================================================================

// JSONResult represents the result of a JSON operation
type JSONResult struct {
	Data []byte
	Err  error
}

// MarshalJSON marshals data to JSON with error handling
func MarshalJSON(v any) JSONResult {
	data, err := json.Marshal(v)
	return JSONResult{Data: data, Err: err}
}

// MarshalJSONIndent marshals data to pretty JSON with error handling
func MarshalJSONIndent(v any, indent string) JSONResult {
	if indent == "" {
		indent = "  "
	}
	data, err := json.MarshalIndent(v, "", indent)
	return JSONResult{Data: data, Err: err}
}

// MustMarshalJSON marshals to JSON and panics on error (for testing)
func MustMarshalJSON(v any) []byte {
	result := MarshalJSON(v)
	if result.Err != nil {
		panic(result.Err)
	}
	return result.Data
}

// ============================================================================
// STANDARDIZED VALIDATION HELPERS
// ============================================================================

// ValidateRequired checks if required fields are present
func ValidateRequired(fieldName string, value any) error {
	if value == nil {
		return Errorf("required field '%s' is missing", fieldName)
	}

	switch v := value.(type) {
	case string:
		if v == "" {
			return Errorf("required field '%s' cannot be empty", fieldName)
		}
	case []any:
		if len(v) == 0 {
			return Errorf("required field '%s' cannot be empty", fieldName)
		}
	case map[string]any:
		if len(v) == 0 {
			return Errorf("required field '%s' cannot be empty", fieldName)
		}
	}

	return nil
}

// ValidateOneOf checks if value is one of the allowed values
func ValidateOneOf(fieldName string, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return Errorf("field '%s' must be one of %v, got '%s'", fieldName, allowed, value)
}

// ============================================================================
// STANDARDIZED CONTEXT HELPERS
// ============================================================================

// ContextValue safely extracts a value from context
func ContextValue[T any](ctx context.Context, key any) (T, bool) {
	var zero T
	value := ctx.Value(key)
	if value == nil {
		return zero, false
	}

	typed, ok := value.(T)
	return typed, ok
}

// ContextValueRequired extracts a required value from context
func ContextValueRequired[T any](ctx context.Context, key any) (T, error) {
	value, ok := ContextValue[T](ctx, key)
	if !ok {
		var zero T
		return zero, Errorf("required context value '%v' not found", key)
	}
	return value, nil
}

// ============================================================================
// STANDARDIZED SAFE TYPE ASSERTION HELPERS
// ============================================================================

// SafeStringAssert safely asserts a value to string
func SafeStringAssert(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// SafeMapAssert safely asserts a value to map[string]any
func SafeMapAssert(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// SafeSliceAssert safely asserts a value to []any
func SafeSliceAssert(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// SafeIntAssert safely asserts a value to int
func SafeIntAssert(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	default:
		return 0, false
	}
}

// SafeBoolAssert safely asserts a value to bool
func SafeBoolAssert(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
