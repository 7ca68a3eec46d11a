package payment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LogGateway approves every request without moving money. Development only.
type LogGateway struct{}

func (LogGateway) Name() string { return "log" }

func (LogGateway) VerifyAuthorization(_ context.Context, reference string) VerifyResult {
	log.Info().Str("component", "payment").Str("reference", reference).Msg("Log gateway: verification approved")
	return VerifyResult{OK: true, AuthorizationCode: "AUTH_" + reference}
}

func (LogGateway) Charge(_ context.Context, customerEmail string, amount decimal.Decimal, currency string) ChargeResult {
	log.Info().
		Str("component", "payment").
		Str("email", customerEmail).
		Str("amount", amount.StringFixed(2)).
		Str("currency", currency).
		Msg("Log gateway: charge approved")
	return ChargeResult{OK: true, Reference: fmt.Sprintf("log-%s-%s", currency, amount.StringFixed(2))}
}
