package twopark

import "fmt"

// AuthError indicates bad credentials or an expired login session.
// The coordinator retries the cycle once after re-authenticating; a
// second AuthError is promoted to a fatal failure requiring the user
// to fix their credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

// ConnError indicates a transport-level failure (timeout, refused
// connection, DNS) or an undecodable response. Treated as transient:
// the current refresh cycle is abandoned and the previous state kept.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("cannot connect to 2park (%s): %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// APIError indicates the service accepted the request but reported a
// business failure (e.g. starting a session that overlaps an active
// one). The remote message is surfaced verbatim to the caller.
type APIError struct {
	Op      string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("2park %s failed: %s", e.Op, e.Message)
}
