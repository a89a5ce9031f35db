package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/comms/internal/campaign"
)

// ProcessCampaign handles POST /v1/campaigns/{id}/process
func (h *Handler) ProcessCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uuidParam(w, r, "id")
	if !ok {
		return
	}

	res, err := h.svc.Campaigns.Process(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, campaign.ErrCampaignNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found or not active", "")
		case errors.Is(err, campaign.ErrUnsupportedType):
			h.writeError(w, http.StatusUnprocessableEntity, "unsupported_campaign", "Campaign type not supported", err.Error())
		default:
			h.logger.Error("failed to process campaign", zap.Error(err), zap.String("campaign_id", id.String()))
			h.writeError(w, http.StatusInternalServerError, "processing_error", "Failed to process campaign", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// ListWhatsAppTemplates handles GET /v1/whatsapp/templates
func (h *Handler) ListWhatsAppTemplates(w http.ResponseWriter, r *http.Request) {
	if h.svc.Templates == nil {
		h.writeError(w, http.StatusServiceUnavailable, "not_configured", "WhatsApp is not configured", "")
		return
	}

	templates, err := h.svc.Templates.ListTemplates(r.Context())
	if err != nil {
		h.logger.Error("failed to list whatsapp templates", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "provider_error", "Failed to list templates", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  templates,
		"count": len(templates),
	})
}
