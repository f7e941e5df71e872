package bus

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when the endpoint or credentials are missing.
var ErrNotConfigured = errors.New("bus: endpoint or credentials not configured")

// AuthError is a failed login: transport error, non-2xx, or no token in the body.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("bus login failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("bus login failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Outcome classifies one POST /events call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuth
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuth:
		return "auth"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// DeliveryError is a failed POST /events call.
type DeliveryError struct {
	Outcome    Outcome
	StatusCode int
	Reason     string // timeout, connection_refused, dns_error, network, http_5xx, http_429, http_4xx, auth, encode
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bus delivery %s (%s): %v", e.Outcome, e.Reason, e.Err)
	}
	return fmt.Sprintf("bus delivery %s (%s): status %d", e.Outcome, e.Reason, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether the same event may succeed on a later attempt.
func (e *DeliveryError) Retryable() bool {
	return e.Outcome == OutcomeAuth || e.Outcome == OutcomeTransient
}

// ReasonOf returns a short failure label for metrics and retry bookkeeping.
func ReasonOf(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Reason
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return "login"
	}
	if err == nil {
		return ""
	}
	return "other"
}
