package identity

import "fmt"

// DefaultErrorMessage is used when the identity service reports a failure
// without a usable message.
const DefaultErrorMessage = "Appwrite Error"

// User represents a user record held by the identity service. Only the ID
// and label set are interpreted; Attributes carries the full document as
// returned by the service.
type User struct {
	ID         string
	Labels     []string
	Attributes map[string]any
}

// ServiceError is a structured failure reported by the identity service,
// carrying the service's status code and message.
type ServiceError struct {
	Code    int
	Message string
	Type    string
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = DefaultErrorMessage
	}
	return fmt.Sprintf("identity service error (code %d): %s", e.Code, msg)
}
