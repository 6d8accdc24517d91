package fault

import (
	"errors"
	"fmt"
)

// ConfigurationError means no usable allocation could be derived. It aborts the
// run before any remote action is taken.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration: " + e.Msg
	}
	return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// LaunchError means the coordinator could not be started.
type LaunchError struct {
	Node string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch coordinator on %s: %v", e.Node, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func Configf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is one of the errors that fail a run.
func IsFatal(err error) bool {
	var ce *ConfigurationError
	var le *LaunchError
	return errors.As(err, &ce) || errors.As(err, &le)
}

type Kind string

const (
	ProvisionWarning    Kind = "provision"
	WorkerLaunchWarning Kind = "worker-launch"
	StreamWarning       Kind = "stream"
	RetrievalWarning    Kind = "retrieval"
	TeardownWarning     Kind = "teardown"
	RegistryWarning     Kind = "registry"
)

// Warning is a non-fatal failure recorded during a run.
type Warning struct {
	Kind Kind   `json:"kind"`
	Node string `json:"node,omitempty"`
	Op   string `json:"op"`
	Err  error  `json:"-"`
}

func (w Warning) Error() string {
	if w.Node == "" {
		return fmt.Sprintf("%s warning: %s: %v", w.Kind, w.Op, w.Err)
	}
	return fmt.Sprintf("%s warning on %s: %s: %v", w.Kind, w.Node, w.Op, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

// Message is the error text, safe to call with a nil Err.
func (w Warning) Message() string {
	if w.Err == nil {
		return ""
	}
	return w.Err.Error()
}
