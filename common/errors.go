package common

import "fmt"

// NotFoundError is raised for a URL that either does not exist or has
// no security configuration assigned. A path absent from the security
// table is rejected, never treated as open.
type NotFoundError struct {
	CID  string
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("the URL [%s] doesn't exist or has no security configuration assigned", e.Path)
}

// ForbiddenError is raised when a security check fails. Reason is the
// client-visible message; it deliberately does not distinguish which
// credential was wrong. The precise cause goes to the server-side log
// only.
type ForbiddenError struct {
	CID    string
	Reason string
}

func (e *ForbiddenError) Error() string {
	return e.Reason
}

// ServiceInvocationError wraps a failure raised by a target service,
// including a service name that could not be resolved at all.
type ServiceInvocationError struct {
	CID     string
	Service string
	Err     error
}

func (e *ServiceInvocationError) Error() string {
	return fmt.Sprintf("could not invoke service [%s]: %v", e.Service, e.Err)
}

func (e *ServiceInvocationError) Unwrap() error {
	return e.Err
}

// TransportError signals a broker-level send/receive failure. Inside a
// subscriber loop it is fatal to that loop; the owner observes the
// death and decides whether to restart.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConfigurationError means the node cannot start: a missing server
// record, a malformed security table and the like.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return e.Msg
}
