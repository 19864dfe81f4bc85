package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/bhive-io/bhive/internal/controller/auth"
)

// TokenHandler issues short-lived bearer tokens to agents.
type TokenHandler struct {
	auth   *auth.Manager
	logger *zap.Logger
}

// NewTokenHandler wires the token endpoint.
func NewTokenHandler(mgr *auth.Manager, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{auth: mgr, logger: logger}
}

type tokenRequest struct {
	SystemUUID string `json:"system_uuid"`
	Password   string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Issue handles POST /token. Bad credentials and missing fields are both a
// plain 400; the endpoint never distinguishes which.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SystemUUID == "" {
		ErrBadRequest(w, "system_uuid is required")
		return
	}
	if err := h.auth.CheckCredentials(req.Password); err != nil {
		h.logger.Warn("token request rejected", zap.String("system_uuid", req.SystemUUID))
		ErrBadRequest(w, "invalid credentials")
		return
	}

	token, err := h.auth.Issue(req.SystemUUID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}
