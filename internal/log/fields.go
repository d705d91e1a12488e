package log

import (
	"errors"
	"slices"

	"spendwise/internal/core"
)

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldUserAgent  = "user_agent"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldErrorType  = "error_type"
	FieldOperation  = "operation"
	FieldUserID     = "user_id"
	FieldExpenseID  = "expense_id"
	FieldCategory   = "category"
	FieldAmount     = "amount"
	FieldRecords    = "records"
	FieldBackend    = "backend"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentSession = "session"
	ComponentStore   = "store"
	ComponentAuth    = "auth"
	ComponentAMQP    = "amqp"
	ComponentBackend = "backend"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpSubscribe = "subscribe"
	OpSnapshot  = "snapshot"
	OpTeardown  = "teardown"
	OpValidate  = "validate"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// Error type categories
const (
	ErrorTypeValidation   = "validation_error"
	ErrorTypeAuth         = "auth_error"
	ErrorTypeNotFound     = "not_found_error"
	ErrorTypeWrite        = "write_error"
	ErrorTypeSubscription = "subscription_error"
	ErrorTypeInternal     = "internal_error"
)

// ErrorType classifies err against the core error taxonomy.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, core.ErrValidation):
		return ErrorTypeValidation
	case errors.Is(err, core.ErrAuthRequired):
		return ErrorTypeAuth
	case errors.Is(err, core.ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, core.ErrWrite):
		return ErrorTypeWrite
	case errors.Is(err, core.ErrSubscription):
		return ErrorTypeSubscription
	default:
		return ErrorTypeInternal
	}
}

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error text and its taxonomy class.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
		f[FieldErrorType] = ErrorType(err)
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithUser(userID string) LogFields {
	f[FieldUserID] = userID
	return f
}

// WithExpense adds the identifying fields of e. Free text is left out.
func (f LogFields) WithExpense(e core.Expense) LogFields {
	if e.ID != "" {
		f[FieldExpenseID] = e.ID
	}
	f[FieldCategory] = string(e.Category)
	f[FieldAmount] = e.Amount
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice flattens the fields into slog key/value pairs, sorted by key.
func (f LogFields) ToSlice() []any {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]any, 0, len(f)*2)
	for _, k := range keys {
		out = append(out, k, f[k])
	}
	return out
}
