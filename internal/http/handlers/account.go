package handlers

import "net/http"

// Me returns the caller's account with its credit balance.
func (a *App) Me(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	user, err := a.Ledger.GetUser(r.Context(), userID)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	inFlight, err := a.Ledger.InFlightCount(r.Context(), userID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"id":                 user.ID,
		"email":              user.Email,
		"tier":               user.Tier,
		"credits":            user.Credits,
		"total_credits_used": user.TotalCreditsUsed,
		"in_flight":          inFlight,
	})
}
