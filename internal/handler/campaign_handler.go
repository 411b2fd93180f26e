// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// CampaignReader loads a campaign with its ledger counts.
type CampaignReader interface {
	GetCampaignDetails(ctx context.Context, campaignID int) (*service.CampaignDetails, error)
}

// CampaignHandler serves read-only campaign views.
type CampaignHandler struct {
	Service CampaignReader
	Log     *zap.Logger
}

func NewCampaignHandler(svc CampaignReader, log *zap.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log}
}

// GetCampaignHandlerWithStats returns a campaign and the distinct contacts per
// ledger event type.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	details, err := h.Service.GetCampaignDetails(r.Context(), id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.Log.Error("❌ Error fetching campaign", zap.Int("campaign_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
