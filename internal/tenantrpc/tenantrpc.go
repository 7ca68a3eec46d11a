// Package tenantrpc carries the secret-authenticated JSON calls between the
// control plane and tenant sites, in both directions.
package tenantrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/httpclient"
	"github.com/RendaniSinyage/rokct/internal/logging"
)

const (
	// SecretHeader carries the per-subscription shared secret.
	SecretHeader = "X-Rokct-Secret"
	// SiteHeader names the calling tenant site on tenant -> control plane calls.
	SiteHeader = "X-Rokct-Site"

	// Reply statuses returned by tenant endpoints.
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Reply is the envelope every RPC endpoint answers with.
type Reply struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the reply is success or warning.
func (r *Reply) OK() bool {
	return r.Status == StatusSuccess || r.Status == StatusWarning
}

// caller performs one authenticated JSON POST.
type caller struct {
	http *http.Client
}

func newCaller(timeout time.Duration) caller {
	return caller{http: httpclient.New(timeout)}
}

// post sends body to url and decodes the reply envelope. Transport failures
// and 5xx replies are transient; 401/403 are auth errors; other non-2xx
// replies are permanent.
func (c caller) post(ctx context.Context, op, url, secret string, headers map[string]string, body any) (*Reply, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SecretHeader, secret)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rerrors.Transient(op, fmt.Errorf("%s", logging.Redact(err.Error(), secret)))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, rerrors.Transient(op, fmt.Errorf("read reply: %w", err))
	}

	var reply Reply
	decodeErr := json.Unmarshal(raw, &reply)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, rerrors.Auth(op, firstNonEmpty(reply.Message, "authentication failed"))
	case resp.StatusCode >= 500:
		return nil, rerrors.Transient(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, firstNonEmpty(reply.Message, snippet(raw))))
	case resp.StatusCode >= 300:
		return nil, rerrors.Permanent(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, firstNonEmpty(reply.Message, snippet(raw))))
	}
	if decodeErr != nil {
		return nil, rerrors.Transient(op, fmt.Errorf("decode reply: %w", decodeErr))
	}
	log.Debug().Str("component", "tenantrpc").Str("op", op).Str("url", url).Str("status", reply.Status).Msg("RPC call completed")
	return &reply, nil
}

func decodeData(op string, reply *Reply, out any) error {
	if len(reply.Data) == 0 {
		return rerrors.Permanent(op, fmt.Errorf("reply carries no data"))
	}
	if err := json.Unmarshal(reply.Data, out); err != nil {
		return rerrors.Permanent(op, fmt.Errorf("decode reply data: %w", err))
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
