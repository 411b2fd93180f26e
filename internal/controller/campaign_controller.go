// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// CampaignActions is the part of service.CampaignService the controller drives.
type CampaignActions interface {
	SendNow(ctx context.Context, campaignID int) (*model.Campaign, error)
	Schedule(ctx context.Context, campaignID int, at time.Time) (*model.Campaign, error)
	CancelSchedule(ctx context.Context, campaignID int) (*model.Campaign, error)
	Stats(ctx context.Context, campaignID int) (*service.CampaignStats, error)
	RenderPreview(ctx context.Context, campaignID, contactID int) (*service.RenderedMessage, error)
}

type CampaignController struct {
	CampaignService CampaignActions
	Validate        *validator.Validate
	Log             *zap.Logger
}

func NewCampaignController(svc CampaignActions, log *zap.Logger) *CampaignController {
	return &CampaignController{
		CampaignService: svc,
		Validate:        validator.New(validator.WithRequiredStructEnabled()),
		Log:             log,
	}
}

// Routes mounts the control actions under /campaigns/{id}.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns/{id}/send-now", c.SendNow)
	r.Post("/campaigns/{id}/schedule", c.Schedule)
	r.Post("/campaigns/{id}/cancel-schedule", c.CancelSchedule)
	r.Get("/campaigns/{id}/stats", c.Stats)
	r.Post("/campaigns/{id}/preview", c.PersonalizedPreview)
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at" validate:"required"`
}

type previewRequest struct {
	ContactID int `json:"contact_id" validate:"required,gt=0"`
}

type actionResponse struct {
	CampaignID  int                  `json:"campaign_id"`
	Message     string               `json:"message"`
	Status      model.CampaignStatus `json:"status"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
}

func (c *CampaignController) SendNow(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := c.CampaignService.SendNow(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{
		CampaignID: id,
		Message:    "Campaign queued for sending.",
		Status:     campaign.Status,
	})
}

func (c *CampaignController) Schedule(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body scheduleRequest
	if !c.decode(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.Schedule(r.Context(), id, *body.ScheduledAt)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{
		CampaignID:  id,
		Message:     "Campaign scheduled.",
		Status:      campaign.Status,
		ScheduledAt: campaign.ScheduledAt,
	})
}

func (c *CampaignController) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	campaign, err := c.CampaignService.CancelSchedule(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, actionResponse{
		CampaignID: id,
		Message:    "Campaign schedule cancelled.",
		Status:     campaign.Status,
	})
}

func (c *CampaignController) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	stats, err := c.CampaignService.Stats(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body previewRequest
	if !c.decode(w, r, &body) {
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), id, body.ContactID)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id":      id,
		"contact_id":       body.ContactID,
		"rendered_message": rendered,
	})
}

// ====================== helpers ======================

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return 0, false
	}
	return id, true
}

func (c *CampaignController) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	if err := c.Validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid field: "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

// fail maps service errors to a status code. Unclassified errors are logged
// and reported with a generic message.
func (c *CampaignController) fail(w http.ResponseWriter, err error) {
	switch {
	case appErrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case appErrors.IsInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		c.Log.Error("❌ Campaign action failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
