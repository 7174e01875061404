// Package errclass defines the stable, machine-readable error classes of vaultkit.
package errclass

import "fmt"

// VaultError is a stable, machine-readable error class.
type VaultError struct {
	Code    string
	Message string
	Cause   error
}

func (e *VaultError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *VaultError) Is(target error) bool {
	t, ok := target.(*VaultError)
	return ok && e.Code == t.Code
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// WithMessage returns a new VaultError with the same Code but a specific message.
func (e *VaultError) WithMessage(msg string) *VaultError {
	return &VaultError{Code: e.Code, Message: msg, Cause: e.Cause}
}

// WithMessagef returns a new VaultError with a formatted message.
func (e *VaultError) WithMessagef(format string, args ...any) *VaultError {
	return &VaultError{Code: e.Code, Message: fmt.Sprintf(format, args...), Cause: e.Cause}
}

// Wrap returns a new VaultError with the same Code carrying cause.
// errors.Is matches both the class and anything in the cause chain.
func (e *VaultError) Wrap(cause error) *VaultError {
	return &VaultError{Code: e.Code, Message: e.Message, Cause: cause}
}

// Stable error classes.
var (
	ErrLockNotFound  = &VaultError{Code: "E_LOCK_NOT_FOUND"}
	ErrLockCorrupt   = &VaultError{Code: "E_LOCK_CORRUPT"}
	ErrLockIO        = &VaultError{Code: "E_LOCK_IO"}
	ErrLockDenied    = &VaultError{Code: "E_LOCK_DENIED"}
	ErrVaultInvalid  = &VaultError{Code: "E_VAULT_INVALID"}
	ErrConfigInvalid = &VaultError{Code: "E_CONFIG_INVALID"}
)
