package protocol

import "fmt"

// Code is one of the stable error identifiers callers may match on.
// Engines return a typed APIError rather than an ad hoc map so the HTTP
// binding and any future transport can render the same stable shape
// without re-deriving it.
type Code string

const (
	CodeRouteNotFound        Code = "RouteNotFound"
	CodeInsufficientCapacity Code = "InsufficientCapacity"
	CodeTrustLimitExceeded   Code = "TrustLimitExceeded"
	CodeTrustLineNotActive   Code = "TrustLineNotActive"
	CodeInvalidSignature     Code = "InvalidSignature"
	CodeExpiredRequest       Code = "ExpiredRequest"
	CodeUnauthorized         Code = "Unauthorized"
	CodeOperationTimeout     Code = "OperationTimeout"
	CodeStateConflict        Code = "StateConflict"
	CodeValidationError      Code = "ValidationError"
	CodeInternalError        Code = "InternalError"
	CodeConflict             Code = "Conflict"
	CodeIntegrityLocked      Code = "IntegrityLocked"
	CodeRoutingTimeout       Code = "RoutingTimeout"
)

// APIError is the stable shape returned to callers: a code, a short
// human message, and a details object appropriate to the category.
type APIError struct {
	ErrCode Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

// Code returns the stable error identifier.
func (e *APIError) Code() Code { return e.ErrCode }

// NewError builds an APIError with optional details.
func NewError(code Code, message string, details map[string]any) *APIError {
	return &APIError{ErrCode: code, Message: message, Details: details}
}

// IsCode reports whether err is an *APIError carrying the given code.
func IsCode(err error, code Code) bool {
	ae, ok := err.(*APIError)
	return ok && ae.ErrCode == code
}
