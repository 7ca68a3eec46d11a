package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/RendaniSinyage/rokct/internal/httpclient"
)

// DefaultPaystackURL is the Paystack API base.
const DefaultPaystackURL = "https://api.paystack.co"

// PaystackGateway talks to the Paystack REST API.
type PaystackGateway struct {
	secretKey string
	baseURL   string
	client    *http.Client
	auths     AuthorizationLookup
}

// NewPaystackGateway returns a gateway using secretKey. An empty baseURL uses
// DefaultPaystackURL.
func NewPaystackGateway(secretKey, baseURL string, auths AuthorizationLookup) *PaystackGateway {
	if baseURL == "" {
		baseURL = DefaultPaystackURL
	}
	return &PaystackGateway{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    httpclient.New(30 * time.Second),
		auths:     auths,
	}
}

func (g *PaystackGateway) Name() string { return "paystack" }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackTransaction struct {
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	GatewayResponse string `json:"gateway_response"`
	Authorization   struct {
		AuthorizationCode string `json:"authorization_code"`
		Reusable          bool   `json:"reusable"`
	} `json:"authorization"`
	Customer struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// VerifyAuthorization confirms a completed transaction and returns its
// reusable authorization code.
func (g *PaystackGateway) VerifyAuthorization(ctx context.Context, reference string) VerifyResult {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return verifyFailed("payment reference is required")
	}
	env, tx, err := g.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "payment").Str("reference", reference).Msg("Paystack verification request failed")
		return verifyFailed(err.Error())
	}
	if !env.Status || tx.Status != "success" {
		return verifyFailed(firstNonEmpty(tx.GatewayResponse, env.Message, "Payment verification failed"))
	}
	if tx.Authorization.AuthorizationCode == "" {
		return verifyFailed("Transaction has no reusable authorization")
	}
	return VerifyResult{
		OK:                true,
		AuthorizationCode: tx.Authorization.AuthorizationCode,
		CustomerEmail:     tx.Customer.Email,
	}
}

// Charge charges the saved authorization of customerEmail.
func (g *PaystackGateway) Charge(ctx context.Context, customerEmail string, amount decimal.Decimal, currency string) ChargeResult {
	auth, err := g.auths.AuthorizationForEmail(ctx, customerEmail)
	if err != nil {
		return failed(fmt.Sprintf("lookup authorization: %v", err))
	}
	if auth == "" {
		return failed(fmt.Sprintf("No Paystack authorization code found for customer %s", customerEmail))
	}

	body := map[string]any{
		"email":              customerEmail,
		"amount":             MinorUnits(amount),
		"authorization_code": auth,
		"currency":           currency,
	}
	env, tx, err := g.do(ctx, http.MethodPost, "/transaction/charge_authorization", body)
	if err != nil {
		log.Warn().Err(err).Str("component", "payment").Str("email", customerEmail).Msg("Paystack charge request failed")
		return failed(err.Error())
	}
	if env.Status && tx.Status == "success" {
		return ChargeResult{OK: true, Reference: tx.Reference}
	}
	return failed("Payment failed: " + firstNonEmpty(tx.GatewayResponse, env.Message, "declined"))
}

func (g *PaystackGateway) do(ctx context.Context, method, path string, body any) (*paystackEnvelope, *paystackTransaction, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read gateway response: %w", err)
	}
	var env paystackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("gateway returned HTTP %d with unreadable body", resp.StatusCode)
	}
	var tx paystackTransaction
	if len(env.Data) > 0 && env.Data[0] == '{' {
		_ = json.Unmarshal(env.Data, &tx)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, firstNonEmpty(tx.GatewayResponse, env.Message))
	}
	return &env, &tx, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
