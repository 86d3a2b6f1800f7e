package delegation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies delegation failures.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindPermission    ErrorKind = "permission_denied"
	KindCircular      ErrorKind = "circular_delegation"
	KindExecution     ErrorKind = "execution"
	KindTimeout       ErrorKind = "timeout"
	KindCancelled     ErrorKind = "cancelled"
)

// Sentinels for errors.Is. Every *Error matches exactly one of them.
var (
	ErrConfiguration      = errors.New("delegation configuration error")
	ErrPermissionDenied   = errors.New("delegation permission denied")
	ErrCircularDelegation = errors.New("circular delegation")
	ErrExecution          = errors.New("delegation execution failed")
	ErrTimeout            = errors.New("delegation timed out")
	ErrCancelled          = errors.New("delegation cancelled")
)

var errOrphaned = errors.New("agent context no longer exists")

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindPermission:
		return ErrPermissionDenied
	case KindCircular:
		return ErrCircularDelegation
	case KindExecution:
		return ErrExecution
	case KindTimeout:
		return ErrTimeout
	case KindCancelled:
		return ErrCancelled
	}
	return nil
}

// Error is returned by DelegateWork and friends.
type Error struct {
	Kind         ErrorKind
	DelegationID string
	From         string
	To           string
	// Side is "source" or "target" for configuration errors about a
	// missing agent definition.
	Side string
	// Chain is the offending delegation chain for circular delegations,
	// ending with the agent that would have repeated.
	Chain []string
	Err   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.sentinel().Error())
	fmt.Fprintf(&sb, " (%s -> %s)", e.From, e.To)
	if e.Side != "" {
		fmt.Fprintf(&sb, ": %s agent not configured", e.Side)
	}
	if len(e.Chain) > 0 {
		fmt.Fprintf(&sb, ": chain %s", strings.Join(e.Chain, " -> "))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind ErrorKind, req *Request, cause error) *Error {
	e := &Error{Kind: kind, Err: cause}
	if req != nil {
		e.DelegationID = req.ID
		e.From = req.FromAgent
		e.To = req.ToAgent
	}
	return e
}

// KindOf returns the kind of a delegation error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
