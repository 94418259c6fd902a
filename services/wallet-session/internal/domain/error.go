package domain

import "errors"

var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrNotConnected    = errors.New("wallet not connected")
	ErrNoAccounts      = errors.New("wallet exposes no accounts")
	ErrAddressMismatch = errors.New("signature does not match address")
	ErrEmptyToken      = errors.New("backend returned an empty token")
	ErrInvalidCourseID = errors.New("invalid course id")
	ErrNoFile          = errors.New("No file provided")
)

// ErrSessionSuperseded is returned for work whose address was disconnected or
// replaced before it finished.
var ErrSessionSuperseded = errors.New("session changed before the operation finished")
