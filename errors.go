package presence

import "fmt"

// Error is a presence protocol error. The exported values below cover every
// error kind surfaced by channel operations.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Temporary reports whether the operation that returned this error may be
// retried as-is. Only mutex contention qualifies.
func (e *Error) Temporary() bool {
	return e == ErrorMutexLocked
}

var (
	// ErrorInternal means server error, if retries do not help client should
	// not count on operation to be performed.
	ErrorInternal = &Error{
		Code:    100,
		Message: "internal server error",
	}
	// ErrorNotFound returned when a channel name resolves to no
	// configuration. The channel cannot exist; every operation on it fails
	// closed.
	ErrorNotFound = &Error{
		Code:    101,
		Message: "channel not found",
	}
	// ErrorInvalidAccess returned when channel configuration does not permit
	// the calling user to enter or view the channel.
	ErrorInvalidAccess = &Error{
		Code:    102,
		Message: "invalid access",
	}
	// ErrorInvalidConfig means the config resolver returned a malformed
	// policy. This is a programmer error, not a user-facing condition.
	ErrorInvalidConfig = &Error{
		Code:    103,
		Message: "invalid channel configuration",
	}
	// ErrorMutexLocked is transient: another process holds the channel
	// publish mutex. Callers retry with bounded backoff.
	ErrorMutexLocked = &Error{
		Code:    104,
		Message: "channel mutex locked",
	}
)
