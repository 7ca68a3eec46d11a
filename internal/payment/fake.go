package payment

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Charge records one call to FakeGateway.Charge.
type Charge struct {
	Email    string
	Amount   decimal.Decimal
	Currency string
}

// FakeGateway returns scripted results and records charges.
type FakeGateway struct {
	mu      sync.Mutex
	results []ChargeResult
	Charges []Charge
	Verify  VerifyResult
}

// NewFakeGateway returns a gateway that replays results in order and repeats
// the last one. With no results every charge succeeds.
func NewFakeGateway(results ...ChargeResult) *FakeGateway {
	return &FakeGateway{results: results}
}

func (f *FakeGateway) Name() string { return "fake" }

func (f *FakeGateway) VerifyAuthorization(context.Context, string) VerifyResult {
	return f.Verify
}

func (f *FakeGateway) Charge(_ context.Context, email string, amount decimal.Decimal, currency string) ChargeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Charges = append(f.Charges, Charge{Email: email, Amount: amount, Currency: currency})
	if len(f.results) == 0 {
		return ChargeResult{OK: true, Reference: "fake"}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

// ChargeCount returns the number of recorded charges.
func (f *FakeGateway) ChargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Charges)
}
