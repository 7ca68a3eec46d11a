package controlplane

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/provision"
	"github.com/RendaniSinyage/rokct/internal/support"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

// AdminRequest is the body of every agent endpoint. Each endpoint reads the
// fields it needs.
type AdminRequest struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Email          string `json:"email,omitempty"`
}

// PaymentAuthorizationRequest carries a gateway reference from the hosted
// payment page.
type PaymentAuthorizationRequest struct {
	Reference string `json:"reference"`
}

// audit records an agent or signup action.
func audit(r *http.Request, trusted []string, subject, outcome string) {
	agent := agentFrom(r.Context())
	log.Info().Str("component", "audit").Str("path", r.URL.Path).Str("agent", agent.ID).
		Str("subject", subject).Str("outcome", outcome).Str("ip", utils.ClientIP(r, trusted)).
		Msg("Control plane action")
}

// requireManager rejects agents without the System Manager role.
func requireManager(op string, agent support.Agent) error {
	if !agent.IsSystemManager() {
		return rerrors.Auth(op, "only a System Manager can perform this action")
	}
	return nil
}

func (h *handlers) decodeAdmin(w http.ResponseWriter, r *http.Request) (AdminRequest, bool) {
	var req AdminRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return req, false
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Reason = strings.TrimSpace(req.Reason)
	return req, true
}

// fail audits a failed agent action and writes the error.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, subject string, err error) {
	audit(r, h.trustedProxies, subject, "error")
	utils.WriteError(w, r, err)
}

func (h *handlers) handleProvision(w http.ResponseWriter, r *http.Request) {
	if !utils.RequirePOST(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, utils.MaxBodyBytes)
	var req provision.Request
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	res, err := h.deps.Provision.Provision(r.Context(), req)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	audit(r, h.trustedProxies, res.SiteName, "accepted")
	utils.WriteReply(w, res.Message, res)
}

func (h *handlers) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	if !utils.RequirePOST(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, utils.MaxBodyBytes)
	var req PaymentAuthorizationRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	customer, err := SaveAuthorization(r.Context(), h.deps.Store, h.deps.Gateway, req.Reference)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	log.Info().Str("component", "controlplane").Str("customer", customer.ID).Msg("Payment authorization saved")
	utils.WriteReply(w, "Payment method saved.", nil)
}

func (h *handlers) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := SubscriptionStatus(r.Context(), h.deps.Store, subscriptionFrom(r.Context()))
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, "", status)
}

func (h *handlers) handleMarkVerified(w http.ResponseWriter, r *http.Request) {
	sub, err := h.support.MarkVerified(r.Context(), subscriptionFrom(r.Context()))
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, fmt.Sprintf("Subscription for %s marked as verified.", sub.SiteName), nil)
}

func (h *handlers) handleUpdateUserCount(w http.ResponseWriter, r *http.Request) {
	var req tenantrpc.UserCountRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if _, err := h.support.UpdateUserCount(r.Context(), subscriptionFrom(r.Context()), req.UserCount); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, "User count updated.", nil)
}

func (h *handlers) handleApproveMigration(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	sub, err := h.support.ApproveMigration(r.Context(), agentFrom(r.Context()), req.SubscriptionID)
	if err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, sub.SiteName, "success")
	utils.WriteReply(w, fmt.Sprintf("Migration approved for %s.", sub.SiteName), nil)
}

func (h *handlers) handleResendWelcome(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	to, err := h.support.ResendWelcome(r.Context(), agentFrom(r.Context()), req.SubscriptionID)
	if err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, req.SubscriptionID, "success")
	utils.WriteReply(w, fmt.Sprintf("Welcome email resent to %s.", to), nil)
}

func (h *handlers) handleGrantSupport(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	creds, err := h.support.Grant(r.Context(), agentFrom(r.Context()), req.SubscriptionID, req.Reason)
	if err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, creds.Email, "granted")
	utils.WriteReply(w, "Temporary support access granted.", creds)
}

func (h *handlers) handleRevokeSupport(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	msg, err := h.support.Revoke(r.Context(), agentFrom(r.Context()), req.SubscriptionID, req.Email)
	if err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, req.Email, "revoked")
	utils.WriteReply(w, msg, nil)
}

func (h *handlers) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	if err := h.support.RotateAPISecret(r.Context(), agentFrom(r.Context()), req.SubscriptionID); err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, req.SubscriptionID, "rotated")
	utils.WriteReply(w, "API secret rotated.", nil)
}

func (h *handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, "controlplane.cancel_subscription", false)
}

func (h *handlers) handleBan(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, "controlplane.ban_subscription", true)
}

func (h *handlers) terminate(w http.ResponseWriter, r *http.Request, op string, ban bool) {
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	agent := agentFrom(r.Context())
	if err := requireManager(op, agent); err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	if req.SubscriptionID == "" {
		utils.WriteError(w, r, rerrors.Validation(op, "subscription_id is required"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "requested by " + agent.ID
	}
	fn := h.deps.Deprovision.Cancel
	if ban {
		fn = h.deps.Deprovision.Ban
	}
	sub, err := fn(r.Context(), req.SubscriptionID, reason)
	if err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, sub.SiteName, string(sub.Status))
	utils.WriteReply(w, fmt.Sprintf("Subscription %s is %s, site deletion queued.", sub.ID, sub.Status), sub)
}

func (h *handlers) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	const op = "controlplane.delete_customer"
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	agent := agentFrom(r.Context())
	if err := requireManager(op, agent); err != nil {
		h.fail(w, r, req.CustomerID, err)
		return
	}
	if req.CustomerID == "" {
		utils.WriteError(w, r, rerrors.Validation(op, "customer_id is required"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "customer deleted by " + agent.ID
	}
	subs, err := h.deps.Deprovision.DeleteCustomer(r.Context(), req.CustomerID, reason)
	if err != nil {
		h.fail(w, r, req.CustomerID, err)
		return
	}
	sites := make([]string, 0, len(subs))
	for _, s := range subs {
		sites = append(sites, s.SiteName)
	}
	audit(r, h.trustedProxies, req.CustomerID, "deleted")
	utils.WriteReply(w, fmt.Sprintf("Customer %s deleted, %d site deletions queued.", req.CustomerID, len(sites)),
		map[string][]string{"sites": sites})
}

func (h *handlers) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	const op = "controlplane.retry_payment"
	req, ok := h.decodeAdmin(w, r)
	if !ok {
		return
	}
	agent := agentFrom(r.Context())
	if err := requireManager(op, agent); err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	if req.SubscriptionID == "" {
		utils.WriteError(w, r, rerrors.Validation(op, "subscription_id is required"))
		return
	}
	jobID, err := EnqueueRetryPayment(r.Context(), h.deps.Store, h.deps.Queue, req.SubscriptionID, agent.ID)
	if err != nil {
		h.fail(w, r, req.SubscriptionID, err)
		return
	}
	audit(r, h.trustedProxies, req.SubscriptionID, "queued")
	if jobID == "" {
		utils.WriteReply(w, "A payment retry is already queued.", nil)
		return
	}
	utils.WriteReply(w, "Payment retry queued.", map[string]string{"job_id": jobID})
}
