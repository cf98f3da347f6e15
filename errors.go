package bank

import "fmt"

// Error is a settlement-specific error carried across the wire boundary.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeEnvelopeMalformed = "envelope_malformed"
	ErrCodeDecryptFailed     = "decrypt_failed"
	ErrCodeMalformedLedger   = "malformed_ledger"
	ErrCodeVerifyAborted     = "verify_aborted"
	ErrCodeSettleAborted     = "settle_aborted"
	ErrCodeInternal          = "internal_error"
)

// NewError creates a new settlement error
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}
