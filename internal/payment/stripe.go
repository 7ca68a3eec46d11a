package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeGateway charges saved payment methods off-session. Authorizations are
// stored as "<customer id>:<payment method id>".
type StripeGateway struct {
	api   *client.API
	auths AuthorizationLookup
}

// NewStripeGateway returns a gateway using apiKey. backends may be nil.
func NewStripeGateway(apiKey string, backends *stripe.Backends, auths AuthorizationLookup) *StripeGateway {
	return &StripeGateway{api: client.New(apiKey, backends), auths: auths}
}

func (g *StripeGateway) Name() string { return "stripe" }

// VerifyAuthorization takes a succeeded PaymentIntent ID and returns the
// customer and payment method it can be charged against later.
func (g *StripeGateway) VerifyAuthorization(ctx context.Context, reference string) VerifyResult {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return verifyFailed("payment reference is required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("customer")
	pi, err := g.api.PaymentIntents.Get(reference, params)
	if err != nil {
		log.Warn().Err(err).Str("component", "payment").Str("reference", reference).Msg("Stripe verification request failed")
		return verifyFailed(stripeReason(err))
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return verifyFailed(fmt.Sprintf("Payment intent status is %s", pi.Status))
	}
	if pi.Customer == nil || pi.PaymentMethod == nil {
		return verifyFailed("Payment intent has no reusable payment method")
	}
	email := pi.ReceiptEmail
	if email == "" {
		email = pi.Customer.Email
	}
	return VerifyResult{
		OK:                true,
		AuthorizationCode: pi.Customer.ID + ":" + pi.PaymentMethod.ID,
		CustomerEmail:     email,
	}
}

// Charge confirms an off-session PaymentIntent for the saved method.
func (g *StripeGateway) Charge(ctx context.Context, customerEmail string, amount decimal.Decimal, currency string) ChargeResult {
	auth, err := g.auths.AuthorizationForEmail(ctx, customerEmail)
	if err != nil {
		return failed(fmt.Sprintf("lookup authorization: %v", err))
	}
	customerID, methodID, ok := strings.Cut(auth, ":")
	if auth == "" || !ok {
		return failed(fmt.Sprintf("No Stripe payment method found for customer %s", customerEmail))
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(amount)),
		Currency:      stripe.String(strings.ToLower(currency)),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(methodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		ReceiptEmail:  stripe.String(customerEmail),
	}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return failed("Payment failed: " + stripeReason(err))
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		reason := string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return failed("Payment failed: " + reason)
	}
	return ChargeResult{OK: true, Reference: pi.ID}
}

func stripeReason(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Msg != "" {
			return se.Msg
		}
		return string(se.Code)
	}
	return err.Error()
}
