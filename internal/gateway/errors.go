package gateway

import (
	"errors"
	"fmt"
)

// ErrKillSwitch is wrapped by the policy error returned while the global kill switch is engaged.
var ErrKillSwitch = errors.New("kill switch engaged")

// Class is the publish error taxonomy used to decide what happens to the queue item.
type Class string

const (
	ClassTransient     Class = "transient"
	ClassAuthorization Class = "authorization"
	ClassPolicy        Class = "policy"
	ClassContract      Class = "contract"
	ClassPermanent     Class = "permanent"
	ClassLockLost      Class = "lock_lost"
)

// PublishError is returned by Gateway.Publish for every non-success outcome.
type PublishError struct {
	Class     Class
	Reason    string
	Ambiguous bool
	Err       error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ClassOf returns the class of err, or "" when err is not a PublishError.
func ClassOf(err error) Class {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}

func policy(reason string) *PublishError {
	return &PublishError{Class: ClassPolicy, Reason: reason}
}
