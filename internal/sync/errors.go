package sync

import "fmt"

// ErrorKind classifies remote-authority failures so callers never match on
// message strings.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"   // server has no matching active session
	KindAuthFailed ErrorKind = "auth_failed" // credential rejected or expired
	KindNetwork    ErrorKind = "network"     // transport failure or timeout
	KindUnknown    ErrorKind = "unknown"
)

// APIError is a structured remote-call failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s failed: kind=%s status=%d %s", e.Endpoint, e.Kind, e.StatusCode, e.Message)
}

// KindOf returns the error kind, or KindUnknown for non-API errors.
func KindOf(err error) ErrorKind {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Kind
	}
	if err != nil {
		return KindUnknown
	}
	return ""
}
