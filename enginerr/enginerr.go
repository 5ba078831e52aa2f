// Package enginerr defines the error taxonomy shared by the DSL, templater,
// adapters, and engine. Every error surfaced to a caller carries a Kind so
// shells can render {error:{type,message,status?}} without type-switching
// on concrete Go types.
package enginerr

import "fmt"

type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindTemplate   Kind = "TemplateError"
	KindUnknownTool Kind = "UnknownTool"
	KindAdapter    Kind = "AdapterError"
	KindTimeout    Kind = "TimeoutError"
	KindStorage    Kind = "StorageError"
	KindCancelled  Kind = "Cancelled"
)

// Error is the common shape for all taxonomy errors.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Templatef(format string, args ...any) error {
	return &Error{Kind: KindTemplate, Message: fmt.Sprintf(format, args...)}
}

func UnknownTool(toolID string) error {
	return &Error{Kind: KindUnknownTool, Message: fmt.Sprintf("no adapter or registry entry for tool %q", toolID)}
}

func Timeoutf(format string, args ...any) error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

func Storagef(cause error, format string, args ...any) error {
	return &Error{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Cancelledf(format string, args ...any) error {
	return &Error{Kind: KindCancelled, Message: fmt.Sprintf(format, args...)}
}

// AdapterError is a distinct type (rather than enginerr.Error) because the
// engine's retry policy needs to inspect StatusCode/Retryable directly.
type AdapterError struct {
	StatusCode int
	Body       string
	Retryable  bool
	Message    string
	Cause      error
}

func (e *AdapterError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: AdapterError (status=%d, retryable=%v)", e.Message, e.StatusCode, e.Retryable)
	}
	return fmt.Sprintf("AdapterError (status=%d, retryable=%v): %s", e.StatusCode, e.Retryable, e.Body)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

func (e *AdapterError) Kind() Kind { return KindAdapter }

func NewAdapterError(statusCode int, body string, retryable bool) *AdapterError {
	return &AdapterError{StatusCode: statusCode, Body: body, Retryable: retryable}
}

// KindOf extracts the taxonomy Kind from any error in the chain, defaulting
// to "" when the error does not participate in the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	switch e := err.(type) {
	case *Error:
		return e.Kind
	case *AdapterError:
		return e.Kind()
	}
	type kinder interface{ Kind() Kind }
	if k, ok := err.(kinder); ok {
		return k.Kind()
	}
	return ""
}

// Payload is the {error:{type,message,status?}} shell contract from spec §7.
type Payload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  *int   `json:"status,omitempty"`
}

func ToPayload(err error) Payload {
	p := Payload{Type: string(KindOf(err)), Message: err.Error()}
	if ae, ok := err.(*AdapterError); ok {
		status := ae.StatusCode
		p.Status = &status
	}
	if p.Type == "" {
		p.Type = "Error"
	}
	return p
}
