package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"server/internal/admission"
	"server/internal/domain"
)

type generateRequest struct {
	PresetID       string            `json:"preset_id"`
	InputValues    map[string]string `json:"input_values"`
	SourceImageRef string            `json:"source_image_ref"`
	OutputSize     string            `json:"output_size"`
}

type generationResponse struct {
	ID             string            `json:"id"`
	PresetID       string            `json:"preset_id"`
	Provider       string            `json:"provider"`
	Status         string            `json:"status"`
	OutputSize     string            `json:"output_size"`
	CreditsUsed    int               `json:"credits_used"`
	SourceImageRef string            `json:"source_image_ref,omitempty"`
	InputValues    map[string]string `json:"input_values,omitempty"`
	OutputURL      string            `json:"output_url,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

func toGenerationResponse(g *domain.Generation) generationResponse {
	return generationResponse{
		ID:             g.ID,
		PresetID:       g.PresetID,
		Provider:       string(g.Provider),
		Status:         string(g.Status),
		OutputSize:     string(g.OutputSize),
		CreditsUsed:    g.CreditsUsed,
		SourceImageRef: g.SourceImageRef,
		InputValues:    g.InputValues,
		OutputURL:      g.OutputURL,
		ErrorMessage:   g.ErrorMessage,
		CreatedAt:      g.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:      g.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// GenerationsCreate admits a new generation request.
func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.PresetID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "preset_id required")
		return
	}

	gen, err := a.Admission.Admit(r.Context(), admission.Request{
		UserID:         userID,
		PresetID:       req.PresetID,
		InputValues:    req.InputValues,
		SourceImageRef: req.SourceImageRef,
		OutputSize:     domain.OutputSize(req.OutputSize),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPresetNotFound):
			a.error(w, http.StatusNotFound, "preset_not_found", "preset missing or inactive")
		case errors.Is(err, domain.ErrInsufficientCredits):
			a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this preset")
		case errors.Is(err, domain.ErrTooManyInFlight):
			a.error(w, http.StatusTooManyRequests, "too_many_in_flight", "concurrent generation limit reached")
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusUnauthorized, "unauthorized", "unknown user")
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("handlers: admission failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		}
		return
	}
	a.json(w, http.StatusAccepted, toGenerationResponse(gen))
}

// GenerationsGet is the polling endpoint for one generation.
func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	gen, err := a.Generations.GetForUser(r.Context(), id, userID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	a.json(w, http.StatusOK, toGenerationResponse(gen))
}

// GenerationsList returns the caller's recent generations.
func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := a.Generations.ListByUser(r.Context(), userID, limit)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list generations")
		return
	}
	out := make([]generationResponse, 0, len(items))
	for i := range items {
		out = append(out, toGenerationResponse(&items[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": out})
}

// GenerationsCancel requests cancellation of a queued or running generation.
// The refund is issued by the worker when it observes the cancelled state.
func (a *App) GenerationsCancel(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	gen, err := a.Generations.GetForUser(r.Context(), id, userID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	ok, err := a.Generations.MarkCancelled(r.Context(), gen.ID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel generation")
		return
	}
	if !ok {
		a.error(w, http.StatusConflict, "cannot_cancel_completed", domain.ErrCannotCancel.Error())
		return
	}
	a.json(w, http.StatusOK, map[string]string{"id": gen.ID, "status": string(domain.GenerationCancelled)})
}
