package x402

import "fmt"

// RecoveryError is a payment recovery failure with a stable machine readable
// code and the context needed to debug it.
type RecoveryError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Recovery error codes.
const (
	// ErrCodeExtractionFailed: the failure was classified as payment
	// required but no actionable payment terms could be recovered from it.
	ErrCodeExtractionFailed = "extraction_failed"

	// ErrCodeJudgeDenied: the configured judge declined the payment.
	ErrCodeJudgeDenied = "judge_denied"

	// ErrCodeNoSigningKey: payment terms were recovered but no signing key
	// is configured, so no authorization can be produced.
	ErrCodeNoSigningKey = "no_signing_key"

	// ErrCodeRetryFailed: the retried call carried a valid payment proof
	// but the service still refused it.
	ErrCodeRetryFailed = "retry_failed"

	// ErrCodeTransportFailed: a consultation or retried call never reached
	// the service.
	ErrCodeTransportFailed = "transport_failed"
)

// NewRecoveryError creates a new recovery error.
func NewRecoveryError(code, message string, details map[string]interface{}) *RecoveryError {
	return &RecoveryError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
