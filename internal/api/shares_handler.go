package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"decendata/internal/middleware"
	"decendata/internal/repository"
	"decendata/internal/service"
)

type inviteRequest struct {
	Recipient  string     `json:"recipient" validate:"required_without=Email"`
	Email      string     `json:"email" validate:"omitempty,email"`
	Permission string     `json:"permission" validate:"omitempty,oneof=view download share"`
	ExpiresIn  string     `json:"expires_in"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Message    string     `json:"message" validate:"max=500"`
}

// Invite 向接收者发出分享邀请。
func (h *FileHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		recipient = strings.TrimSpace(req.Email)
	}
	permission := repository.Permission(req.Permission)
	if permission == "" {
		permission = repository.PermissionView
	}

	share, err := h.service.Invite(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), service.InviteInput{
		Recipient:  recipient,
		Permission: permission,
		ExpiresIn:  req.ExpiresIn,
		ExpiresAt:  req.ExpiresAt,
		Message:    req.Message,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, share)
}

// RespondToShare 接受或拒绝邀请，action 为 accept 或 decline。
func (h *FileHandler) RespondToShare(w http.ResponseWriter, r *http.Request) {
	var accept bool
	switch chi.URLParam(r, "action") {
	case "accept":
		accept = true
	case "decline":
		accept = false
	default:
		writeError(w, http.StatusBadRequest, "action must be accept or decline")
		return
	}

	share, err := h.service.Respond(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), accept)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, share)
}

// RevokeShare 撤销对某个接收者的分享。
func (h *FileHandler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "id")
	recipient := chi.URLParam(r, "recipientID")
	if err := h.service.Revoke(r.Context(), middleware.GetUserID(r.Context()), fileID, recipient); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"file_id": fileID, "recipient": recipient, "revoked": true})
}
