package qrcode

import (
	"errors"
	"fmt"
)

// Domain errors are definitive outcomes and are never retried.
var (
	ErrNotFound                 = errors.New("qr code not found")
	ErrInvalidPolicy            = errors.New("invalid lifecycle policy")
	ErrInvalidLimit             = errors.New("invalid reuse limit")
	ErrInvalidMode              = errors.New("invalid reusable mode")
	ErrReuseLimitExceeded       = errors.New("reuse limit exceeded")
	ErrProductLifecycleMismatch = errors.New("product lifecycle mismatch")
	ErrInactive                 = errors.New("qr code inactive")
	ErrRejected                 = errors.New("scan rejected")
	ErrTerminal                 = errors.New("qr code is terminal")
	ErrAlreadyTerminal          = errors.New("qr code already terminal")
	ErrOutOfOrder               = errors.New("event out of order")
	ErrChainBroken              = errors.New("event chain broken")
	ErrForbidden                = errors.New("actor not permitted")
	ErrCodeExists               = errors.New("qr code token already exists")
	ErrInvariant                = errors.New("invariant violation")
	ErrInvalidRequest           = errors.New("invalid request")
)

// ErrTransient marks storage or lock failures the caller may retry.
var ErrTransient = errors.New("transient failure")

// Transient errors with a more specific cause. Both wrap ErrTransient.
var (
	ErrBusy     = fmt.Errorf("%w: entity busy", ErrTransient)
	ErrConflict = fmt.Errorf("%w: version conflict", ErrTransient)
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
