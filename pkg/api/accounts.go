package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/machinist/machinist/pkg/engine"
)

type createAccountRequest struct {
	Label       string              `json:"label" validate:"required,max=255"`
	Provider    engine.ProviderType `json:"provider" validate:"required"`
	Credentials engine.Credentials  `json:"credentials"`
}

type accountResponse struct {
	Account *engine.ProviderAccount `json:"account"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, engine.NewValidationError(err.Error()))
		return
	}

	req.Credentials.Provider = req.Provider
	if err := s.checkCredentialShape(&req.Credentials); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().UTC()
	account := &engine.ProviderAccount{
		ID:               uuid.New().String(),
		Provider:         req.Provider,
		Label:            req.Label,
		CredentialStatus: engine.CredentialUnchecked,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	sealed, err := s.sealCredentials(&req.Credentials)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.CreateProviderAccount(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutSecret(r.Context(), account.ID, sealed); err != nil {
		// Do not leave an account without its credentials behind.
		_ = s.store.DeleteProviderAccount(r.Context(), account.ID)
		writeError(w, engine.NewInternalError("failed to store credentials", err))
		return
	}

	s.audit(r, "account.created", account.ID)
	writeJSON(w, http.StatusCreated, accountResponse{Account: account})
}

type updateAccountRequest struct {
	Label       string              `json:"label" validate:"omitempty,max=255"`
	Credentials *engine.Credentials `json:"credentials"`
}

// handleUpdateAccount changes an account's label and, when new credentials
// are supplied, reseals them. The provider is fixed at creation; new
// credentials must match it and reset the status to unchecked until the
// next verify.
func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	account, err := s.store.GetProviderAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, engine.NewValidationError(err.Error()))
		return
	}

	if req.Credentials != nil {
		req.Credentials.Provider = account.Provider
		if err := s.checkCredentialShape(req.Credentials); err != nil {
			writeError(w, err)
			return
		}
		sealed, err := s.sealCredentials(req.Credentials)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.store.PutSecret(r.Context(), account.ID, sealed); err != nil {
			writeError(w, engine.NewInternalError("failed to store credentials", err))
			return
		}
		account.CredentialStatus = engine.CredentialUnchecked
		account.LastVerifiedAt = nil
	}
	if req.Label != "" {
		account.Label = req.Label
	}

	account.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateProviderAccount(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}

	s.audit(r, "account.updated", account.ID)
	writeJSON(w, http.StatusOK, accountResponse{Account: account})
}

// checkCredentialShape enforces that exactly the variant selected by
// Provider is populated and structurally valid.
func (s *Server) checkCredentialShape(creds *engine.Credentials) error {
	var payload interface{}
	switch creds.Provider {
	case engine.ProviderDigitalOcean:
		if creds.DigitalOcean == nil {
			return engine.NewValidationError("digitalocean credentials are required")
		}
		payload = creds.DigitalOcean
	case engine.ProviderAWS:
		if creds.AWS == nil {
			return engine.NewValidationError("aws credentials are required")
		}
		payload = creds.AWS
	case engine.ProviderGCP:
		if creds.GCP == nil {
			return engine.NewValidationError("gcp credentials are required")
		}
		payload = creds.GCP
	case engine.ProviderHetzner:
		if creds.Hetzner == nil {
			return engine.NewValidationError("hetzner credentials are required")
		}
		payload = creds.Hetzner
	case engine.ProviderBareMetal:
		if creds.BareMetal == nil {
			return engine.NewValidationError("baremetal credentials are required")
		}
		payload = creds.BareMetal
	default:
		return engine.NewUnsupportedProviderError(creds.Provider)
	}

	if err := s.validate.Struct(payload); err != nil {
		return engine.NewValidationError(err.Error())
	}
	return nil
}

func (s *Server) sealCredentials(creds *engine.Credentials) ([]byte, error) {
	plaintext, err := creds.Marshal()
	if err != nil {
		return nil, engine.NewInternalError("failed to encode credentials", err)
	}
	secret, err := s.vault.Encrypt(plaintext)
	if err != nil {
		return nil, engine.NewInternalError("failed to encrypt credentials", err)
	}
	return json.Marshal(secret)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListProviderAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetProviderAccount(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: account})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetProviderAccount(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteProviderAccount(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteSecret(r.Context(), id); err != nil && !engine.IsNotFound(err) {
		s.logger.Warn().Err(err).Str("account_id", id).Msg("failed to delete sealed credentials")
	}
	s.audit(r, "account.deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyAccount checks the stored credentials against the provider
// and records the outcome. Transient provider failures leave the recorded
// status untouched.
func (s *Server) handleVerifyAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	account, err := s.store.GetProviderAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	adapter, err := s.adapters.Resolve(account.Provider)
	if err != nil {
		writeError(w, err)
		return
	}
	creds, err := s.orch.CredentialsFor(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	verifyErr := adapter.ValidateCredentials(r.Context(), creds)
	switch {
	case verifyErr == nil:
		account.CredentialStatus = engine.CredentialValid
	case isInvalidCredentials(verifyErr):
		account.CredentialStatus = engine.CredentialInvalid
	default:
		writeError(w, verifyErr)
		return
	}

	now := time.Now().UTC()
	account.LastVerifiedAt = &now
	account.UpdatedAt = now
	if err := s.store.UpdateProviderAccount(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}

	s.audit(r, "account.verified", id)
	writeJSON(w, http.StatusOK, accountResponse{Account: account})
}

func isInvalidCredentials(err error) bool {
	var e *engine.Error
	return errors.As(err, &e) && e.Code == engine.CodeInvalidCredentials
}

type catalogKind int

const (
	catalogRegions catalogKind = iota
	catalogSizes
	catalogImages
)

// catalogAction serves the provider offering lists for an account.
func (s *Server) catalogAction(kind catalogKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		account, err := s.store.GetProviderAccount(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		adapter, err := s.adapters.Resolve(account.Provider)
		if err != nil {
			writeError(w, err)
			return
		}
		creds, err := s.orch.CredentialsFor(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		var body interface{}
		switch kind {
		case catalogRegions:
			regions, err := adapter.ListRegions(r.Context(), creds)
			if err != nil {
				writeError(w, err)
				return
			}
			body = map[string]interface{}{"regions": regions}
		case catalogSizes:
			sizes, err := adapter.ListSizes(r.Context(), creds)
			if err != nil {
				writeError(w, err)
				return
			}
			body = map[string]interface{}{"sizes": sizes}
		case catalogImages:
			images, err := adapter.ListImages(r.Context(), creds)
			if err != nil {
				writeError(w, err)
				return
			}
			body = map[string]interface{}{"images": images}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) audit(r *http.Request, action, targetID string) {
	entry := &engine.AuditEntry{
		Action:    action,
		Actor:     actorFrom(r),
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}
