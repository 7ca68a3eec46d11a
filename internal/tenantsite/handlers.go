package tenantsite

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/tenantrpc"
	"github.com/RendaniSinyage/rokct/internal/utils"
)

var verifyPage = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 32rem; margin: 4rem auto;">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .LoginURL}}<p><a href="{{.LoginURL}}">Continue to login</a></p>{{end}}
</body>
</html>
`))

type verifyView struct {
	Title    string
	Message  string
	LoginURL string
}

// Handler serves the tenant site endpoints.
type Handler struct {
	svc  *Service
	gate *FeatureGate
}

// NewHandler returns a Handler for svc.
func NewHandler(svc *Service, gate *FeatureGate) *Handler {
	return &Handler{svc: svc, gate: gate}
}

// RegisterRoutes wires every tenant endpoint into mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := h.svc.store.Ping(r.Context()); err != nil {
			utils.WriteError(w, r, rerrors.Wrap(rerrors.KindInternal, "tenantsite.healthz", err))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// initial_setup checks the header secret itself since no secret may be stored yet.
	mux.HandleFunc("/initial_setup", h.handleInitialSetup)

	mux.Handle("/create_temporary_support_user", h.secretAuth(http.HandlerFunc(h.handleCreateSupportUser)))
	mux.Handle("/disable_temporary_support_user", h.secretAuth(http.HandlerFunc(h.handleDisableSupportUser)))
	mux.Handle("/get_welcome_email_details", h.secretAuth(http.HandlerFunc(h.handleWelcomeDetails)))
	mux.Handle("/update_api_secret", h.secretAuth(http.HandlerFunc(h.handleUpdateAPISecret)))

	mux.HandleFunc("/verify_my_email", h.handleVerifyEmail)
	mux.Handle("/subscription_details", h.gate.Require("", http.HandlerFunc(h.handleSubscriptionDetails)))
}

// secretAuth admits POST requests carrying the site's shared secret.
func (h *Handler) secretAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !utils.RequirePOST(w, r) {
			return
		}
		if err := h.svc.Authenticate(r.Context(), r.Header.Get(tenantrpc.SecretHeader)); err != nil {
			utils.WriteError(w, r, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, utils.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleInitialSetup(w http.ResponseWriter, r *http.Request) {
	if !utils.RequirePOST(w, r) {
		return
	}
	var req tenantrpc.InitialSetupRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	res, err := h.svc.InitialSetup(r.Context(), r.Header.Get(tenantrpc.SecretHeader), req)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if res.Warning {
		utils.WriteWarning(w, res.Message)
		return
	}
	utils.WriteReply(w, res.Message, nil)
}

func (h *Handler) handleCreateSupportUser(w http.ResponseWriter, r *http.Request) {
	var req tenantrpc.SupportUserRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	creds, err := h.svc.CreateTemporarySupportUser(r.Context(), req.AgentID, req.Reason, req.EmailDomain)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, "Temporary support user created.", creds)
}

func (h *Handler) handleDisableSupportUser(w http.ResponseWriter, r *http.Request) {
	var req tenantrpc.DisableUserRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	msg, err := h.svc.DisableTemporarySupportUser(r.Context(), req.Email)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, msg, nil)
}

func (h *Handler) handleWelcomeDetails(w http.ResponseWriter, r *http.Request) {
	var req tenantrpc.WelcomeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	details, err := h.svc.WelcomeEmailDetails(r.Context(), req.NewToken)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, "", details)
}

func (h *Handler) handleUpdateAPISecret(w http.ResponseWriter, r *http.Request) {
	var req tenantrpc.RotateSecretRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if err := h.svc.UpdateAPISecret(r.Context(), req.APISecret); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	h.gate.Invalidate()
	utils.WriteReply(w, "API secret updated.", nil)
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	outcome, err := h.svc.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		log.Error().Err(err).Str("component", "tenantsite").Msg("Email verification failed")
	}

	view := verifyView{Title: "Invalid Link", Message: "This verification link is invalid or has already been used."}
	status := http.StatusBadRequest
	switch outcome {
	case VerificationDisabled:
		view = verifyView{Title: "Account Disabled", Message: "This account has been disabled. Please contact support."}
		status = http.StatusForbidden
	case VerificationDone:
		view = verifyView{Title: "Email Verified!", Message: "Thank you for verifying your email address. You can now log in."}
		status = http.StatusOK
		if login, err := h.svc.store.Setting(r.Context(), settingLoginRedirectURL); err == nil {
			view.LoginURL = login
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := verifyPage.Execute(w, view); err != nil {
		log.Warn().Err(err).Msg("Failed to render verification page")
	}
}

func (h *Handler) handleSubscriptionDetails(w http.ResponseWriter, r *http.Request) {
	status, err := h.gate.Status(r.Context())
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteReply(w, "", status)
}
