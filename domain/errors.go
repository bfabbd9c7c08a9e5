package domain

import "fmt"

// ConfigurationError means a form or ad hoc request is not runnable as configured.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func NewConfigurationError(format string, a ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, a...)}
}

// ValidationError means a submitted variable does not satisfy the form schema.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Reason)
}

// AuthorizationError covers webhook token mismatches and insufficient roles.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "authorization error: " + e.Reason
}

// ConnectionError means the SSH transport could not be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ExecutionError means the remote command exited non-zero.
type ExecutionError struct {
	ExitCode int
	Stage    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Stage, e.ExitCode)
}

// DecryptionError means vault material could not be decrypted.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "decryption error: " + e.Reason
}

// ConcurrencyError means a server lock could not be acquired within the wait bound.
type ConcurrencyError struct {
	ServerID string
	Wait     string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("server %s is busy: lock not acquired within %s", e.ServerID, e.Wait)
}
