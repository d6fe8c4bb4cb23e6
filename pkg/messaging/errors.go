package messaging

import "github.com/orbitlab/psuctl/pkg/errors"

// Error codes for messaging operations.
const (
	CodeConnectionFailed = "MESSAGING_CONN_FAILED"
	CodePublishFailed    = "MESSAGING_PUBLISH_FAILED"
	CodeConsumeFailed    = "MESSAGING_CONSUME_FAILED"
	CodeTimeout          = "MESSAGING_TIMEOUT"
	CodeClosed           = "MESSAGING_CLOSED"
	CodeInvalidConfig    = "MESSAGING_INVALID_CONFIG"
)

// ErrConnectionFailed creates an error for broker connection failures.
func ErrConnectionFailed(err error) *errors.AppError {
	return errors.New(CodeConnectionFailed, "failed to connect to message broker", err)
}

// ErrPublishFailed creates an error for publish failures.
func ErrPublishFailed(err error) *errors.AppError {
	return errors.New(CodePublishFailed, "failed to publish message", err)
}

// ErrConsumeFailed creates an error for consume/subscribe failures.
func ErrConsumeFailed(err error) *errors.AppError {
	return errors.New(CodeConsumeFailed, "failed to consume message", err)
}

// ErrTimeout creates an error for operation timeouts.
func ErrTimeout(operation string, err error) *errors.AppError {
	return errors.New(CodeTimeout, "messaging operation timed out: "+operation, err)
}

// ErrClosed creates an error for closed connections.
func ErrClosed(err error) *errors.AppError {
	return errors.New(CodeClosed, "broker connection is closed", err)
}

// ErrInvalidConfig creates an error for invalid configuration.
func ErrInvalidConfig(msg string, err error) *errors.AppError {
	return errors.New(CodeInvalidConfig, "invalid messaging configuration: "+msg, err)
}
