package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common application errors
var (
	ErrValidation         = errors.New("validation failed")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrTransferFailed     = errors.New("transfer failed")
	ErrIntegrity          = errors.New("integrity check failed")
	ErrQueueNotFound      = errors.New("download queue not found")
	ErrDownloadNotFound   = errors.New("download not found")
	ErrDownloadNotReady   = errors.New("download not ready")
	ErrDownloadExpired    = errors.New("download expired")
	ErrSongNotFound       = errors.New("song not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrContentNotFound    = errors.New("content not found")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ValidationError rejects a request synchronously; it never enters the queue
type ValidationError struct {
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is matches ErrValidation and the optional narrower kind
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || (e.Kind != nil && target == e.Kind)
}

// NewValidationError creates a ValidationError with a human-readable reason
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// NewNotFoundError creates a ValidationError for missing content
func NewNotFoundError(kind error, reason string) *ValidationError {
	return &ValidationError{Reason: reason, Kind: kind}
}

// QuotaExceededError rejects a request because a device or daily limit is reached
type QuotaExceededError struct {
	Reason string
}

func (e *QuotaExceededError) Error() string {
	return e.Reason
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// TransferError is a network or file failure while downloading one unit
type TransferError struct {
	DownloadID int64
	SongID     int64
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("download %d (song %d) failed: %v", e.DownloadID, e.SongID, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

// IntegrityError reports a missing or corrupt downloaded file
type IntegrityError struct {
	DownloadID int64
	Reason     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("download %d failed integrity check: %s", e.DownloadID, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// APIError represents a structured API error response
type APIError struct {
	Type      string       `json:"type"`
	Title     string       `json:"title"`
	Status    int          `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	Instance  string       `json:"instance,omitempty"`
	Errors    []FieldError `json:"errors"`
	Timestamp string       `json:"timestamp"`
	RequestID string       `json:"request_id,omitempty"`
}

// FieldError represents a field validation error
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

// NewAPIError creates a new APIError
func NewAPIError(status int, title, detail, instance string) *APIError {
	return &APIError{
		Type:      fmt.Sprintf("https://api.tunevault.local/problems/%s", kebabCase(title)),
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// AddFieldError adds a field validation error to the API error
func (e *APIError) AddFieldError(field, code, message string) {
	e.Errors = append(e.Errors, FieldError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}

// kebabCase converts a title like "Bad Request" to "bad-request"
func kebabCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == ' ' || r == '_':
			b.WriteByte('-')
		case r >= 'A' && r <= 'Z':
			if i > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteByte('-')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
