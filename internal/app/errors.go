package app

import "errors"

var (
	// ErrEmailTaken indicates the signup email already has an account.
	ErrEmailTaken = errors.New("email already exists")
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotVerified blocks login until the email verification completes.
	ErrNotVerified = errors.New("email not verified")
	// ErrAccountDisabled blocks login for disabled accounts.
	ErrAccountDisabled = errors.New("account disabled")
)
