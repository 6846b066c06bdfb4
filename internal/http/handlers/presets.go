package handlers

import "net/http"

type presetResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Credits  int    `json:"credits"`
}

// PresetsList returns the catalog of active presets.
func (a *App) PresetsList(w http.ResponseWriter, r *http.Request) {
	presets, err := a.Presets.ListActive(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list presets")
		return
	}
	items := make([]presetResponse, 0, len(presets))
	for _, p := range presets {
		items = append(items, presetResponse{
			ID:       p.ID,
			Name:     p.Name,
			Provider: string(p.Provider),
			Credits:  p.Credits,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
