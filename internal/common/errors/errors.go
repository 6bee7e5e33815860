package errors

import (
	"fmt"
	"strings"
	"time"
)

type ErrorCode string

const (
	// Transient transport failures. The first four mirror the socket error
	// names providers report.
	ErrCodeNetworkTimeout    ErrorCode = "ETIMEDOUT"
	ErrCodeConnectionReset   ErrorCode = "ECONNRESET"
	ErrCodeConnectionRefused ErrorCode = "ECONNREFUSED"
	ErrCodeDNSFailure        ErrorCode = "ENOTFOUND"
	ErrCodeServerError       ErrorCode = "SERVER_ERROR"

	// Permanent for this attempt, reported by the provider as a 4xx or a
	// rate limit. The send fails and the caller decides when to try again.
	ErrCodeProviderDeferred ErrorCode = "PROVIDER_DEFERRED"
	ErrCodeThrottled        ErrorCode = "PROVIDER_THROTTLED"

	// Permanent, caused by the recipient or the message.
	ErrCodeInvalidRecipient  ErrorCode = "INVALID_RECIPIENT"
	ErrCodeRecipientRejected ErrorCode = "RECIPIENT_REJECTED"
	ErrCodeMessageRejected   ErrorCode = "MESSAGE_REJECTED"

	// Permanent, caused by the sending account.
	ErrCodeSenderAuthFailed      ErrorCode = "SENDER_AUTH_FAILED"
	ErrCodeSenderRejected        ErrorCode = "SENDER_REJECTED"
	ErrCodeProviderMisconfigured ErrorCode = "PROVIDER_MISCONFIGURED"
	ErrCodeUnsupportedProvider   ErrorCode = "UNSUPPORTED_PROVIDER"
	ErrCodeTransportFailed       ErrorCode = "TRANSPORT_FAILED"

	ErrCodeAccountNotFound   ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrCodeNoEligibleAccount ErrorCode = "NO_ELIGIBLE_ACCOUNT"
	ErrCodeSendCapReached    ErrorCode = "SEND_CAP_REACHED"

	ErrCodeSequenceNotFound     ErrorCode = "SEQUENCE_NOT_FOUND"
	ErrCodeEnrollmentNotFound   ErrorCode = "ENROLLMENT_NOT_FOUND"
	ErrCodeStepNotFound         ErrorCode = "SEQUENCE_STEP_NOT_FOUND"
	ErrCodeInconsistentBranch   ErrorCode = "SEQUENCE_BRANCH_INCONSISTENT"
	ErrCodeTemplateInvalid      ErrorCode = "SEQUENCE_TEMPLATE_INVALID"
	ErrCodeInvalidTriggerConfig ErrorCode = "INVALID_TRIGGER_CONFIG"
	ErrCodeDuplicateEnrollment  ErrorCode = "DUPLICATE_ENROLLMENT"
	ErrCodeTokenNotFound        ErrorCode = "TRACKING_TOKEN_NOT_FOUND"

	ErrCodeDatabaseQueryFailed ErrorCode = "DATABASE_QUERY_FAILED"
	ErrCodeConcurrentUpdate    ErrorCode = "CONCURRENT_UPDATE"
	ErrCodeLockUnavailable     ErrorCode = "LOCK_UNAVAILABLE"
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.Cause }

// WithMetadata attaches a key to the error and returns it for chaining.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
	}
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// Transport
// ==========================

func NewNetworkTimeoutError(provider string, err error) *StandardError {
	return newError(ErrCodeNetworkTimeout, fmt.Sprintf("%s: network timeout", provider), causeText(err), true, err)
}

func NewConnectionResetError(provider string, err error) *StandardError {
	return newError(ErrCodeConnectionReset, fmt.Sprintf("%s: connection reset", provider), causeText(err), true, err)
}

func NewConnectionRefusedError(provider string, err error) *StandardError {
	return newError(ErrCodeConnectionRefused, fmt.Sprintf("%s: connection refused", provider), causeText(err), true, err)
}

func NewDNSFailureError(provider string, err error) *StandardError {
	return newError(ErrCodeDNSFailure, fmt.Sprintf("%s: host not found", provider), causeText(err), true, err)
}

func NewServerError(provider string, status int, err error) *StandardError {
	return newError(ErrCodeServerError, fmt.Sprintf("%s: server error %d", provider, status), causeText(err), true, err).
		WithMetadata("statusCode", status)
}

func NewThrottledError(provider string, err error) *StandardError {
	return newError(ErrCodeThrottled, fmt.Sprintf("%s: sending rate exceeded", provider), causeText(err), false, err)
}

func NewDeferredError(provider string, status int, err error) *StandardError {
	return newError(ErrCodeProviderDeferred, fmt.Sprintf("%s: delivery deferred (%d)", provider, status), causeText(err), false, err).
		WithMetadata("statusCode", status)
}

func NewInvalidRecipientError(address string, err error) *StandardError {
	return newError(ErrCodeInvalidRecipient, "Recipient address is malformed", fmt.Sprintf("address: %s: %s", address, causeText(err)), false, err)
}

func NewRecipientRejectedError(provider string, status int, err error) *StandardError {
	return newError(ErrCodeRecipientRejected, fmt.Sprintf("%s: recipient rejected", provider), causeText(err), false, err).
		WithMetadata("statusCode", status)
}

func NewMessageRejectedError(provider string, err error) *StandardError {
	return newError(ErrCodeMessageRejected, fmt.Sprintf("%s: message rejected", provider), causeText(err), false, err)
}

func NewSenderAuthFailedError(provider string, err error) *StandardError {
	return newError(ErrCodeSenderAuthFailed, fmt.Sprintf("%s: sender authentication failed", provider), causeText(err), false, err)
}

func NewSenderRejectedError(provider string, err error) *StandardError {
	return newError(ErrCodeSenderRejected, fmt.Sprintf("%s: sender rejected", provider), causeText(err), false, err)
}

func NewProviderMisconfiguredError(provider, details string) *StandardError {
	return newError(ErrCodeProviderMisconfigured, fmt.Sprintf("%s: provider credentials invalid", provider), details, false, nil)
}

func NewUnsupportedProviderError(provider string) *StandardError {
	return newError(ErrCodeUnsupportedProvider, "No transport registered for provider", fmt.Sprintf("provider: %s", provider), false, nil)
}

func NewTransportFailedError(provider string, err error) *StandardError {
	return newError(ErrCodeTransportFailed, fmt.Sprintf("%s: send failed", provider), causeText(err), false, err)
}

// ==========================
// Ledger / selection
// ==========================

func NewAccountNotFoundError(accountID string) *StandardError {
	return newError(ErrCodeAccountNotFound, "Sender account not found", fmt.Sprintf("accountId: %s", accountID), false, nil)
}

func NewNoEligibleAccountError(campaignID string) *StandardError {
	return newError(ErrCodeNoEligibleAccount, "no eligible account", fmt.Sprintf("campaignId: %s", campaignID), false, nil)
}

func NewSendCapReachedError(accountID string) *StandardError {
	return newError(ErrCodeSendCapReached, "Send cap reached", fmt.Sprintf("accountId: %s", accountID), false, nil)
}

// ==========================
// Sequence
// ==========================

func NewSequenceNotFoundError(sequenceID string) *StandardError {
	return newError(ErrCodeSequenceNotFound, "Sequence not found", fmt.Sprintf("sequenceId: %s", sequenceID), false, nil)
}

func NewEnrollmentNotFoundError(enrollmentID string) *StandardError {
	return newError(ErrCodeEnrollmentNotFound, "Enrollment not found", fmt.Sprintf("enrollmentId: %s", enrollmentID), false, nil)
}

func NewStepNotFoundError(sequenceID, details string) *StandardError {
	return newError(ErrCodeStepNotFound, "Sequence step missing", fmt.Sprintf("sequenceId: %s: %s", sequenceID, details), false, nil)
}

func NewInconsistentBranchError(sequenceID, details string) *StandardError {
	return newError(ErrCodeInconsistentBranch, "Inconsistent branch configuration", fmt.Sprintf("sequenceId: %s: %s", sequenceID, details), false, nil)
}

func NewTemplateInvalidError(sequenceID, stepID string, err error) *StandardError {
	return newError(ErrCodeTemplateInvalid, "Step template cannot be rendered", fmt.Sprintf("sequenceId: %s, stepId: %s: %s", sequenceID, stepID, causeText(err)), false, err)
}

// IsSequenceConfigError reports whether err comes from how a sequence is
// set up rather than from infrastructure. Such errors stall the enrollment.
func IsSequenceConfigError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeSequenceNotFound, ErrCodeStepNotFound, ErrCodeInconsistentBranch,
		ErrCodeTemplateInvalid, ErrCodeInvalidTriggerConfig:
		return true
	}
	return false
}

func NewInvalidTriggerConfigError(triggerType, details string) *StandardError {
	return newError(ErrCodeInvalidTriggerConfig, "Invalid branch trigger configuration", fmt.Sprintf("triggerType: %s: %s", triggerType, details), false, nil)
}

func NewDuplicateEnrollmentError(sequenceID, email string) *StandardError {
	return newError(ErrCodeDuplicateEnrollment, "Recipient already enrolled", fmt.Sprintf("sequenceId: %s, email: %s", sequenceID, email), false, nil)
}

func NewTokenNotFoundError(token string) *StandardError {
	return newError(ErrCodeTokenNotFound, "Tracking token not found", fmt.Sprintf("token: %s", token), false, nil)
}

// ==========================
// Infrastructure
// ==========================

func NewDatabaseQueryFailedError(operation string, err error) *StandardError {
	return newError(ErrCodeDatabaseQueryFailed, "Database query failed", fmt.Sprintf("%s: %s", operation, causeText(err)), true, err)
}

func NewConcurrentUpdateError(entity, id string) *StandardError {
	return newError(ErrCodeConcurrentUpdate, "Concurrent update detected", fmt.Sprintf("%s: %s", entity, id), true, nil)
}

func NewLockUnavailableError(key string, err error) *StandardError {
	return newError(ErrCodeLockUnavailable, "Lock unavailable", fmt.Sprintf("key: %s: %s", key, causeText(err)), true, err)
}

func NewValidationError(details string) *StandardError {
	return newError(ErrCodeValidationFailed, "Input validation failed", details, false, nil)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", causeText(err), false, err)
}

// ==========================
// BPMN mapping
// ==========================

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeInvalidRecipient:     "INVALID_RECIPIENT",
	ErrCodeRecipientRejected:    "RECIPIENT_REJECTED",
	ErrCodeNoEligibleAccount:    "NO_ELIGIBLE_ACCOUNT",
	ErrCodeSequenceNotFound:     "SEQUENCE_NOT_FOUND",
	ErrCodeDuplicateEnrollment:  "DUPLICATE_ENROLLMENT",
	ErrCodeValidationFailed:     "VALIDATION_FAILED",
	ErrCodeDatabaseQueryFailed:  "DATABASE_QUERY_FAILED",
	ErrCodeInvalidTriggerConfig: "INVALID_TRIGGER_CONFIG",
}

// GetRetryCount is the number of Zeebe job retries granted per code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseQueryFailed,
		ErrCodeConcurrentUpdate,
		ErrCodeLockUnavailable:
		return 3

	case ErrCodeNetworkTimeout,
		ErrCodeConnectionReset,
		ErrCodeConnectionRefused,
		ErrCodeDNSFailure,
		ErrCodeServerError:
		return 2

	default:
		return 0
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case code == ErrCodeNetworkTimeout || code == ErrCodeConnectionReset ||
		code == ErrCodeConnectionRefused || code == ErrCodeDNSFailure:
		return "NETWORK"
	case strings.Contains(codeStr, "RECIPIENT") || strings.Contains(codeStr, "MESSAGE"):
		return "RECIPIENT"
	case strings.Contains(codeStr, "SENDER") || strings.Contains(codeStr, "PROVIDER") || strings.Contains(codeStr, "TRANSPORT") || strings.Contains(codeStr, "SERVER"):
		return "PROVIDER"
	case strings.Contains(codeStr, "ACCOUNT") || strings.Contains(codeStr, "CAP"):
		return "CAPACITY"
	case strings.Contains(codeStr, "SEQUENCE") || strings.Contains(codeStr, "ENROLLMENT") || strings.Contains(codeStr, "TRIGGER") || strings.Contains(codeStr, "TOKEN"):
		return "SEQUENCE"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "CONCURRENT") || strings.Contains(codeStr, "LOCK"):
		return "DATABASE"
	case strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
