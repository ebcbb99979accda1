package auth

import "errors"

// Sentinel errors returned by the credential and identity operations.
var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password does not meet strength policy")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExpired  = errors.New("invitation expired")
	ErrInvitationConsumed = errors.New("invitation already consumed")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenMalformed     = errors.New("token malformed")
)
