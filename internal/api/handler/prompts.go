package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/promptbatch/promptbatch/internal/api/middleware"
	"github.com/promptbatch/promptbatch/internal/api/response"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
	"github.com/promptbatch/promptbatch/pkg/prompt"
)

// PromptStore is the store slice the prompt handlers depend on.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p *models.Prompt) error
	GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error)
}

type promptResponse struct {
	*models.Prompt
	Placeholders []string `json:"placeholders"`
}

// NewCreatePromptHandler returns the handler for POST /api/v1/prompts.
func NewCreatePromptHandler(s PromptStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		var req struct {
			Name     string `json:"name"`
			Template string `json:"template"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Template == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "template is required", nil)
			return
		}
		placeholders := prompt.Placeholders(req.Template)
		if len(placeholders) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"template must reference at least one {{field}} placeholder", nil)
			return
		}

		now := time.Now().UTC()
		p := &models.Prompt{
			ID:        uuid.New(),
			AccountID: accountID,
			Name:      req.Name,
			Template:  req.Template,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreatePrompt(r.Context(), p); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store prompt", nil)
			return
		}
		response.Created(w, promptResponse{Prompt: p, Placeholders: placeholders})
	}
}

// NewGetPromptHandler returns the handler for GET /api/v1/prompts/{promptID}.
func NewGetPromptHandler(s PromptStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}
		promptID, err := uuid.Parse(chi.URLParam(r, "promptID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "promptID must be a valid UUID", nil)
			return
		}

		p, err := s.GetPrompt(r.Context(), promptID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt does not exist", nil)
			} else {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load prompt", nil)
			}
			return
		}
		if p.AccountID != accountID {
			response.Error(w, http.StatusNotFound, "PROMPT_NOT_FOUND", "Prompt does not exist", nil)
			return
		}
		response.JSON(w, promptResponse{Prompt: p, Placeholders: prompt.Placeholders(p.Template)})
	}
}
