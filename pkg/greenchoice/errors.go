package greenchoice

import "fmt"

// ConfigError reports incomplete client configuration. It is fatal at
// construction time and never retried.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

// LoginError reports a failed step of the portal login handshake, including
// rejected credentials.
type LoginError struct {
	Reason string
	Err    error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Reason, e.Err)
	}
	return "login failed: " + e.Reason
}

func (e *LoginError) Unwrap() error { return e.Err }

// APIError wraps transport failures after retry exhaustion, unexpected
// response statuses other than 404, and hard payload parse failures.
type APIError struct {
	Op  string
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal request %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }
