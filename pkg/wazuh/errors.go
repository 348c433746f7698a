package wazuh

import "fmt"

// AuthError reports invalid credentials or a session that could not be
// renewed against the Wazuh authentication endpoint.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("wazuh: authentication failed: %s", e.Message)
}

// TransportError reports a network-level failure, including timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wazuh: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError reports a non-success status returned by the Wazuh API, carrying
// the remote status code and message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wazuh: API returned %d: %s", e.Status, e.Message)
}
