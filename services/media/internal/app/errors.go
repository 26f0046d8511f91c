package app

import "errors"

var (
	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("incorrect email address or password")

	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidInput        = errors.New("invalid input")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrVideoNotFound       = errors.New("video not found")
	ErrAccountNotFound     = errors.New("account not found")
)
