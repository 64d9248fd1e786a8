package broker

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a broker error.
type ErrorCode string

const (
	// Topic and group errors
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidName   ErrorCode = "INVALID_NAME"

	// Delivery errors
	ErrCodeQueueOverflow  ErrorCode = "QUEUE_OVERFLOW"
	ErrCodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"

	// Request/reply errors
	ErrCodeTimeout  ErrorCode = "TIMEOUT"
	ErrCodeCanceled ErrorCode = "CANCELED"

	// Collaborator errors
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	ErrCodeRateLimited       ErrorCode = "RATE_LIMITED"

	ErrCodeUnknown ErrorCode = "UNKNOWN_ERROR"
)

// Sentinel errors for easy comparison with errors.Is.
var (
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotFound          = errors.New("not found")
	ErrInvalidName       = errors.New("invalid topic name")
	ErrTimeout           = errors.New("request timed out")
	ErrCanceled          = errors.New("request canceled")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrPersistenceFailed = errors.New("persistence failed")
)

// BrokerError is a broker error with structured context.
type BrokerError struct {
	// Code is the error code.
	Code ErrorCode `json:"code"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// Topic is the topic involved, if applicable.
	Topic string `json:"topic,omitempty"`
	// MessageID is the message involved, if applicable.
	MessageID string `json:"message_id,omitempty"`
	// Retryable indicates whether the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details holds additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code ErrorCode, message string, cause error) *BrokerError {
	return &BrokerError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Is matches either another BrokerError by code or the wrapped cause.
func (e *BrokerError) Is(target error) bool {
	if t, ok := target.(*BrokerError); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Cause, target)
}

// WithTopic sets the topic name.
func (e *BrokerError) WithTopic(topic string) *BrokerError {
	e.Topic = topic
	return e
}

// WithMessageID sets the message ID.
func (e *BrokerError) WithMessageID(id string) *BrokerError {
	e.MessageID = id
	return e
}

// WithDetail adds a detail to the error.
func (e *BrokerError) WithDetail(key string, value interface{}) *BrokerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeDeliveryFailed, ErrCodePersistenceFailed, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// AlreadyExistsError reports a topic or group name collision.
func AlreadyExistsError(kind, name string) *BrokerError {
	return NewBrokerError(ErrCodeAlreadyExists, fmt.Sprintf("%s %q already exists", kind, name), ErrAlreadyExists).
		WithTopic(name)
}

// NotFoundError reports an unknown topic, subscriber, or entry.
func NotFoundError(kind, name string) *BrokerError {
	return NewBrokerError(ErrCodeNotFound, fmt.Sprintf("%s %q not found", kind, name), ErrNotFound)
}

// InvalidNameError reports a topic name outside the allowed charset.
func InvalidNameError(name string) *BrokerError {
	return NewBrokerError(ErrCodeInvalidName, fmt.Sprintf("invalid topic name %q", name), ErrInvalidName).
		WithTopic(name)
}

// TimeoutError reports a request that passed its deadline.
func TimeoutError(topic string, correlationID string) *BrokerError {
	return NewBrokerError(ErrCodeTimeout, "request timed out", ErrTimeout).
		WithTopic(topic).
		WithDetail("correlation_id", correlationID)
}

// CanceledError reports a request canceled by the requester.
func CanceledError(topic string) *BrokerError {
	return NewBrokerError(ErrCodeCanceled, "request canceled", ErrCanceled).
		WithTopic(topic)
}

// DeliveryError reports a sink that failed to accept a message.
func DeliveryError(messageID string, cause error) *BrokerError {
	return NewBrokerError(ErrCodeDeliveryFailed, "sink delivery failed", cause).
		WithMessageID(messageID)
}

// PersistenceError wraps a store failure.
func PersistenceError(op string, cause error) *BrokerError {
	return NewBrokerError(ErrCodePersistenceFailed, fmt.Sprintf("store operation %s failed", op), cause)
}

// IsBrokerError checks whether err carries a BrokerError.
func IsBrokerError(err error) bool {
	var be *BrokerError
	return errors.As(err, &be)
}

// GetBrokerError extracts a BrokerError from an error chain.
func GetBrokerError(err error) *BrokerError {
	var be *BrokerError
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// MultiError aggregates several errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(e.Errors), e.Errors[0])
}

// Add appends a non-nil error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if any error was added.
func (e *MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// ErrorOrNil returns nil when the MultiError is empty.
func (e *MultiError) ErrorOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// Unwrap returns the first error for errors.Is / errors.As.
func (e *MultiError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}
