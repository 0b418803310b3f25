package player

// notConnectedError signals a send attempted with no active IPC connection.
type notConnectedError struct{}

func (notConnectedError) Error() string { return "ipc channel not connected" }

// ErrNotConnected constructs the not-connected error.
func ErrNotConnected() error { return notConnectedError{} }

// IsNotConnected reports whether err indicates a missing IPC connection.
func IsNotConnected(err error) bool {
	_, ok := err.(notConnectedError)
	return ok
}

// timeoutError signals that a request got no response within its deadline.
type timeoutError struct{ command string }

func (e timeoutError) Error() string { return "ipc request timed out: " + e.command }

// ErrTimeout constructs a timeout error for the given command name.
func ErrTimeout(command string) error { return timeoutError{command: command} }

// IsTimeout reports whether err is an IPC request timeout.
func IsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// ipcError carries an error string returned by the player for a request.
type ipcError struct{ msg string }

func (e ipcError) Error() string { return "ipc error: " + e.msg }

// IsIPCError reports whether err is an error reported by the player itself,
// as opposed to a transport failure.
func IsIPCError(err error) bool {
	_, ok := err.(ipcError)
	return ok
}
