package cascade

import "errors"

var (
	// ErrNotFound means the video or account is absent or was removed concurrently.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the actor does not own the video.
	ErrForbidden = errors.New("forbidden")
	// ErrTransactionFailed wraps a relational failure; the unit of work was rolled back.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrBlobIO marks a blob deletion I/O failure. It is logged, never returned.
	ErrBlobIO = errors.New("blob io failure")
)
