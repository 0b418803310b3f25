package live

import "fmt"

// authError signals a 401/403 from the scheduling API. Polling stops until
// credentials change; retrying on a timer cannot fix bad credentials.
type authError struct{ code int }

func (e authError) Error() string { return fmt.Sprintf("authentication failed (%d)", e.code) }

// ErrAuth constructs an auth error for the given HTTP status code.
func ErrAuth(code int) error { return authError{code: code} }

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	_, ok := err.(authError)
	return ok
}

// transientError signals a retryable remote failure: timeout, connection
// error, or a 5xx response.
type transientError struct{ msg string }

func (e transientError) Error() string { return "remote api error: " + e.msg }

// ErrTransient constructs a transient remote error.
func ErrTransient(msg string) error { return transientError{msg: msg} }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	_, ok := err.(transientError)
	return ok
}

// parseError signals a malformed remote payload. The cached status is kept
// and lock state is unaffected.
type parseError struct{ msg string }

func (e parseError) Error() string { return "parse remote payload: " + e.msg }

// ErrParse constructs a parse error.
func ErrParse(msg string) error { return parseError{msg: msg} }

// IsParse reports whether err indicates a malformed remote payload.
func IsParse(err error) bool {
	_, ok := err.(parseError)
	return ok
}
