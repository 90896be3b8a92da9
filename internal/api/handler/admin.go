package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/promptbatch/promptbatch/internal/api/response"
	"github.com/promptbatch/promptbatch/internal/store"
	"github.com/promptbatch/promptbatch/pkg/models"
)

// ModelStore is the store slice the model administration handlers depend on.
type ModelStore interface {
	ListModelProviders(ctx context.Context) ([]*models.ModelProvider, error)
	SetModelProviderEnabled(ctx context.Context, name string, enabled bool) error
}

// Refresher reloads the in-memory model registry snapshot.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// NewListModelsHandler returns the handler for GET /api/v1/models.
func NewListModelsHandler(s ModelStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers, err := s.ListModelProviders(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list models", nil)
			return
		}
		if providers == nil {
			providers = []*models.ModelProvider{}
		}
		response.JSON(w, providers)
	}
}

// NewRefreshModelsHandler returns the handler for POST
// /api/v1/admin/models/refresh. after runs once the snapshot is swapped; the
// server uses it to bring consumers for new queues online.
func NewRefreshModelsHandler(reg Refresher, after func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Refresh(r.Context()); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to refresh model registry", nil)
			return
		}
		if after != nil {
			if err := after(r.Context()); err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start queue consumers", nil)
				return
			}
		}
		response.JSON(w, map[string]string{"status": "refreshed"})
	}
}

// NewSetModelEnabledHandler returns the handler for PUT
// /api/v1/admin/models/{name}. Disabling a model only gates new submissions;
// jobs already dispatched keep the queue name captured on their tasks.
func NewSetModelEnabledHandler(s ModelStore, reg Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "enabled is required", nil)
			return
		}

		if err := s.SetModelProviderEnabled(r.Context(), name, *req.Enabled); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "MODEL_NOT_FOUND", "Model is not registered", nil)
			} else {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update model", nil)
			}
			return
		}
		if err := reg.Refresh(r.Context()); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to refresh model registry", nil)
			return
		}
		response.JSON(w, map[string]any{"name": name, "enabled": *req.Enabled})
	}
}
