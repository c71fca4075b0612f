package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error taxonomy for the scanocr worker
 *
 * Every failure surfaced by the recognition pipeline is a *RecognitionError
 * carrying one of the codes below. Factory functions build them.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input / configuration errors - reported immediately, never retried
	ErrorImagePreparation ErrorCode = "IMAGE_PREPARATION_FAILED"
	ErrorConfiguration    ErrorCode = "CONFIGURATION_ERROR"

	// Transient errors - eligible for a single fallback swap
	ErrorProvider ErrorCode = "PROVIDER_ERROR"
	ErrorTimeout  ErrorCode = "TIMEOUT"
	ErrorUnknown  ErrorCode = "UNKNOWN"
)

// RecognitionError represents a structured recognition error
type RecognitionError struct {
	Code         ErrorCode
	Message      string
	Provider     string // adapter that raised the error, if any
	ProviderCode string // provider specific code, e.g. HTTP_503 or OCR_EXIT_3
	Timestamp    time.Time
	Details      map[string]interface{}
	Cause        error
}

func (e *RecognitionError) Error() string {
	prefix := string(e.Code)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Code, e.Provider)
	}
	if e.ProviderCode != "" {
		prefix = fmt.Sprintf("%s %s", prefix, e.ProviderCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *RecognitionError) Unwrap() error {
	return e.Cause
}

// Factory functions for the taxonomy

func NewImagePreparationError(imageRef string, cause error) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorImagePreparation,
		Message:   fmt.Sprintf("Failed to prepare image: %s", imageRef),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"image_ref": imageRef,
		},
		Cause: cause,
	}
}

func NewConfigurationError(message string) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorConfiguration,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewProviderError(provider string, providerCode string, message string, cause error) *RecognitionError {
	return &RecognitionError{
		Code:         ErrorProvider,
		Message:      message,
		Provider:     provider,
		ProviderCode: providerCode,
		Timestamp:    time.Now(),
		Cause:        cause,
	}
}

func NewTimeoutError(provider string, duration time.Duration, cause error) *RecognitionError {
	return &RecognitionError{
		Code:      ErrorTimeout,
		Message:   fmt.Sprintf("Recognition timed out after %v", duration),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnknownError(provider string, cause error) *RecognitionError {
	msg := "Unknown error during recognition"
	if cause != nil {
		msg = cause.Error()
	}
	return &RecognitionError{
		Code:      ErrorUnknown,
		Message:   msg,
		Provider:  provider,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// As returns the *RecognitionError in err's chain, or nil
func As(err error) *RecognitionError {
	var re *RecognitionError
	if stderrors.As(err, &re) {
		return re
	}
	return nil
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// CodeOf returns the taxonomy code of err. Errors outside the taxonomy are UNKNOWN.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if re := As(err); re != nil {
		return re.Code
	}
	return ErrorUnknown
}

// IsFallbackEligible reports whether a failed attempt may be retried once on an alternate provider
func IsFallbackEligible(err error) bool {
	switch CodeOf(err) {
	case ErrorProvider, ErrorTimeout, ErrorUnknown:
		return true
	}
	return false
}

// IsRetryable reports whether the caller may usefully offer a retry affordance
func IsRetryable(err error) bool {
	return IsFallbackEligible(err)
}

// ToMap converts error to map for storage and API responses
func (e *RecognitionError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
		"retryable":  IsRetryable(e),
	}

	if e.Provider != "" {
		result["provider"] = e.Provider
	}
	if e.ProviderCode != "" {
		result["provider_code"] = e.ProviderCode
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// ToMap converts any error into the RecognitionError map shape
func ToMap(err error) map[string]interface{} {
	if re := As(err); re != nil {
		return re.ToMap()
	}
	return NewUnknownError("", err).ToMap()
}
