package store

import (
	"fmt"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

// Statuses whose subscriptions never carry a next billing date.
var noBillingDate = map[Status]bool{
	StatusPending:      true,
	StatusProvisioning: true,
	StatusTrialing:     true,
	StatusSetupFailed:  true,
	StatusDropped:      true,
	StatusCanceled:     true,
	StatusBanned:       true,
	StatusDowngraded:   true,
}

// allowedTransitions lists every edge of the subscription state machine.
// Staying in the same status is always allowed and not listed.
var allowedTransitions = map[Status][]Status{
	StatusPending:      {StatusProvisioning, StatusSetupFailed, StatusCanceled, StatusBanned},
	StatusProvisioning: {StatusTrialing, StatusActive, StatusFree, StatusSetupFailed, StatusCanceled, StatusBanned},
	StatusTrialing:     {StatusActive, StatusDowngraded, StatusCanceled, StatusBanned},
	StatusActive:       {StatusGracePeriod, StatusCanceled, StatusBanned},
	StatusFree:         {StatusCanceled, StatusBanned},
	StatusGracePeriod:  {StatusActive, StatusDowngraded, StatusCanceled, StatusBanned},
	StatusDowngraded:   {StatusActive, StatusCanceled, StatusBanned},
	StatusSetupFailed:  {StatusCanceled, StatusBanned},
	StatusCanceled:     {StatusDropped, StatusBanned},
	StatusBanned:       {StatusDropped},
	StatusDropped:      {},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks the per-row invariants of a subscription.
func (s *Subscription) Validate() error {
	const op = "store.validate_subscription"
	if _, ok := allowedTransitions[s.Status]; !ok {
		return rerrors.Invariant(op, fmt.Errorf("unknown status %q", s.Status)).WithSubject(s.ID)
	}
	if s.SiteName == "" {
		return rerrors.Invariant(op, fmt.Errorf("site name is empty")).WithSubject(s.ID)
	}
	if (s.PreviousPlanID != "") != (s.Status == StatusDowngraded) {
		return rerrors.Invariant(op, fmt.Errorf("previous plan must be set exactly when status is %s (status=%s previous=%q)",
			StatusDowngraded, s.Status, s.PreviousPlanID)).WithSubject(s.ID)
	}
	if s.Status == StatusGracePeriod {
		if s.PaymentRetryAttempt < 1 || s.PaymentRetryAttempt > 3 {
			return rerrors.Invariant(op, fmt.Errorf("grace period retry attempt %d outside 1..3", s.PaymentRetryAttempt)).WithSubject(s.ID)
		}
	} else if s.PaymentRetryAttempt != 0 {
		return rerrors.Invariant(op, fmt.Errorf("retry attempt %d outside grace period", s.PaymentRetryAttempt)).WithSubject(s.ID)
	}
	if noBillingDate[s.Status] && s.NextBillingDate != nil {
		return rerrors.Invariant(op, fmt.Errorf("status %s must not carry a next billing date", s.Status)).WithSubject(s.ID)
	}
	if (s.Status == StatusActive || s.Status == StatusGracePeriod) && s.NextBillingDate == nil {
		return rerrors.Invariant(op, fmt.Errorf("status %s requires a next billing date", s.Status)).WithSubject(s.ID)
	}
	return nil
}

// CheckTransition validates moving a stored subscription to next.
func CheckTransition(prev, next *Subscription) error {
	const op = "store.transition"
	if prev == nil {
		return next.Validate()
	}
	if !CanTransition(prev.Status, next.Status) {
		return rerrors.Invariant(op, fmt.Errorf("illegal transition %s -> %s", prev.Status, next.Status)).WithSubject(next.ID)
	}
	if prev.EmailVerifiedOn != nil && next.EmailVerifiedOn == nil {
		return rerrors.Invariant(op, fmt.Errorf("email verification cannot be cleared")).WithSubject(next.ID)
	}
	if prev.SiteName != next.SiteName {
		return rerrors.Invariant(op, fmt.Errorf("site name is immutable")).WithSubject(next.ID)
	}
	return next.Validate()
}
