// Package payment verifies one-time payment authorizations and charges saved
// authorizations through a payment gateway. Expected payment failures are
// results, not errors.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// VerifyResult is the outcome of verifying a hosted-flow payment reference.
type VerifyResult struct {
	OK                bool
	AuthorizationCode string
	CustomerEmail     string
	Reason            string
}

// ChargeResult is the outcome of charging a saved authorization.
type ChargeResult struct {
	OK        bool
	Reference string
	Reason    string
}

// Gateway is implemented by every payment provider.
type Gateway interface {
	Name() string
	VerifyAuthorization(ctx context.Context, reference string) VerifyResult
	Charge(ctx context.Context, customerEmail string, amount decimal.Decimal, currency string) ChargeResult
}

// AuthorizationLookup returns the saved authorization for a customer email,
// or "" when none is saved.
type AuthorizationLookup interface {
	AuthorizationForEmail(ctx context.Context, email string) (string, error)
}

// MinorUnits converts a major-unit amount to the gateway's minor unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func failed(reason string) ChargeResult {
	return ChargeResult{OK: false, Reason: reason}
}

func verifyFailed(reason string) VerifyResult {
	return VerifyResult{OK: false, Reason: reason}
}
