package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/textrelay/server/internal/identity"
	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/vault"
)

// AdminHandler handles the operator API for bindings and grants
type AdminHandler struct {
	identity *identity.Store
	vault    *vault.Vault
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(identityStore *identity.Store, tokenVault *vault.Vault) *AdminHandler {
	return &AdminHandler{
		identity: identityStore,
		vault:    tokenVault,
	}
}

// bindRequest is the request body for POST /admin/bindings
type bindRequest struct {
	PhoneNumber string `json:"phone_number"`
	UserID      string `json:"user_id"`
}

// bindingResponse is the binding object in API responses
type bindingResponse struct {
	PhoneNumber string     `json:"phone_number"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

func toBindingResponse(b model.PhoneBinding) bindingResponse {
	return bindingResponse{
		PhoneNumber: b.PhoneNumber,
		UserID:      b.UserID.String(),
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt,
		LastSeenAt:  b.LastSeenAt,
	}
}

// HandleBind handles POST /admin/bindings
func (h *AdminHandler) HandleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" || req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "phone_number and user_id are required")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "user_id must be a UUID")
		return
	}

	binding, err := h.identity.Bind(r.Context(), req.PhoneNumber, userID)
	if err != nil {
		if errors.Is(err, identity.ErrConflict) {
			respondWithError(w, http.StatusConflict, "phone number is bound to another user")
			return
		}
		log.Printf("Failed to bind %s: %v", maskPhone(req.PhoneNumber), err)
		respondWithError(w, http.StatusInternalServerError, "failed to bind phone number")
		return
	}

	respondWithJSON(w, http.StatusCreated, toBindingResponse(binding))
}

// HandleGetBinding handles GET /admin/bindings/{phone}
func (h *AdminHandler) HandleGetBinding(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	binding, err := h.identity.Lookup(r.Context(), phone)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "no active binding for phone number")
			return
		}
		log.Printf("Failed to look up binding %s: %v", maskPhone(phone), err)
		respondWithError(w, http.StatusInternalServerError, "failed to look up binding")
		return
	}
	respondWithJSON(w, http.StatusOK, toBindingResponse(binding))
}

// HandleRevokeBinding handles DELETE /admin/bindings/{phone}
func (h *AdminHandler) HandleRevokeBinding(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	if err := h.identity.Revoke(r.Context(), phone); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "no active binding for phone number")
			return
		}
		log.Printf("Failed to revoke binding %s: %v", maskPhone(phone), err)
		respondWithError(w, http.StatusInternalServerError, "failed to revoke binding")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "binding revoked"})
}

// grantRequest is the request body for POST /admin/grants. Token fields
// arrive in plaintext from the consent callback and are sealed before they
// reach storage.
type grantRequest struct {
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

var knownProviders = map[model.Provider]bool{
	model.ProviderGoogle:    true,
	model.ProviderMicrosoft: true,
	model.ProviderNotion:    true,
	model.ProviderYouTube:   true,
}

// HandleStoreGrant handles POST /admin/grants
func (h *AdminHandler) HandleStoreGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" || req.Provider == "" || req.AccessToken == "" {
		respondWithError(w, http.StatusBadRequest, "user_id, provider and access_token are required")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "user_id must be a UUID")
		return
	}
	provider := model.Provider(req.Provider)
	if !knownProviders[provider] {
		respondWithError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	err = h.vault.StoreGrant(r.Context(), vault.GrantInput{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		Scopes:       req.Scopes,
	})
	if err != nil {
		log.Printf("Failed to store %s grant for user %s: %v", provider, userID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to store grant")
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]string{"message": "grant stored"})
}

// HandleListGrants handles GET /admin/grants/{userID}. Statuses only; token
// material never leaves the vault.
func (h *AdminHandler) HandleListGrants(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "userID must be a UUID")
		return
	}

	statuses, err := h.vault.ListStatuses(r.Context(), userID)
	if err != nil {
		log.Printf("Failed to list grants for user %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to list grants")
		return
	}

	out := make(map[string]string, len(statuses))
	for p, s := range statuses {
		out[string(p)] = string(s)
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HandleRevokeGrant handles DELETE /admin/grants/{userID}/{provider}
func (h *AdminHandler) HandleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "userID must be a UUID")
		return
	}
	provider := model.Provider(chi.URLParam(r, "provider"))
	if !knownProviders[provider] {
		respondWithError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	if err := h.vault.Revoke(r.Context(), userID, provider); err != nil {
		if errors.Is(err, vault.ErrNeedsReauth) {
			respondWithError(w, http.StatusNotFound, "no grant for user and provider")
			return
		}
		log.Printf("Failed to revoke %s grant for user %s: %v", provider, userID, err)
		respondWithError(w, http.StatusInternalServerError, "failed to revoke grant")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"message": "grant revoked"})
}
