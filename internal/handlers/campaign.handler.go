package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/campaign-engine/internal/model"
	xhttp "github.com/nimasrn/campaign-engine/pkg/http"
)

type CampaignService interface {
	Create(ctx context.Context, req model.CampaignCreateRequest) (*model.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	List(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int64, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, at *time.Time) (*model.Campaign, error)
	Send(ctx context.Context, id uuid.UUID) (*model.SendSummary, error)
	DeliveryRecords(ctx context.Context, id uuid.UUID, limit, offset int) ([]*model.DeliveryRecord, int64, error)
	Stats(ctx context.Context, id uuid.UUID) (*model.CampaignStats, error)
}

type CampaignHandler struct {
	svc CampaignService
}

func RegisterCampaignRoutes(e *router.Group, h *CampaignHandler) {
	e.POST("/campaigns", h.CreateCampaign)
	e.GET("/campaigns", h.ListCampaigns)
	e.GET("/campaigns/{id}", h.GetCampaign)
	e.POST("/campaigns/{id}/send", h.SendCampaign)
	e.POST("/campaigns/{id}/schedule", h.ScheduleCampaign)
	e.DELETE("/campaigns/{id}/schedule", h.CancelSchedule)
	e.GET("/campaigns/{id}/logs", h.ListDeliveryRecords)
	e.GET("/campaigns/{id}/stats", h.GetStats)
}

func NewCampaignHandler(svc CampaignService) *CampaignHandler {
	return &CampaignHandler{
		svc: svc,
	}
}

type createCampaignRequest struct {
	Name            string                `json:"name"`
	Subject         string                `json:"subject"`
	TemplateID      string                `json:"template_id"`
	ContentHTML     string                `json:"content_html"`
	ContentText     string                `json:"content_text"`
	RecipientMode   model.RecipientMode   `json:"recipient_mode"`
	RecipientFilter model.RecipientFilter `json:"recipient_filter"`
	RecipientIDs    []uuid.UUID           `json:"recipient_ids"`
	ScheduledAt     *time.Time            `json:"scheduled_at"`
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (h *CampaignHandler) CreateCampaign(ctx *xhttp.RequestCtx) {
	var req createCampaignRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	spec, err := model.NewRecipientSpec(req.RecipientMode, req.RecipientFilter, req.RecipientIDs)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	c, err := h.svc.Create(ctx, model.CampaignCreateRequest{
		Name:        req.Name,
		Subject:     req.Subject,
		TemplateID:  req.TemplateID,
		ContentHTML: req.ContentHTML,
		ContentText: req.ContentText,
		Recipients:  spec,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, c)
}

func (h *CampaignHandler) ListCampaigns(ctx *xhttp.RequestCtx) {
	var f model.CampaignFilter
	var err error
	if f.Limit, err = queryInt(ctx, "limit", 0); err != nil {
		writeServiceError(ctx, err)
		return
	}
	if f.Offset, err = queryInt(ctx, "offset", 0); err != nil {
		writeServiceError(ctx, err)
		return
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if items == nil {
		items = []*model.Campaign{}
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse[*model.Campaign]{Items: items, Total: total})
}

func (h *CampaignHandler) GetCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	c, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, c)
}

// SendCampaign blocks until the whole send pass is over.
func (h *CampaignHandler) SendCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	summary, err := h.svc.Send(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, summary)
}

func (h *CampaignHandler) ScheduleCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	var req scheduleRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ScheduledAt == nil {
		writeServiceError(ctx, fmt.Errorf("%w: scheduled_at is required", model.ErrInvalidRequest))
		return
	}

	c, err := h.svc.UpdateSchedule(ctx, id, req.ScheduledAt)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, c)
}

func (h *CampaignHandler) CancelSchedule(ctx *xhttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	c, err := h.svc.UpdateSchedule(ctx, id, nil)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, c)
}

func (h *CampaignHandler) ListDeliveryRecords(ctx *xhttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	limit, err := queryInt(ctx, "limit", 0)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	offset, err := queryInt(ctx, "offset", 0)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	items, total, err := h.svc.DeliveryRecords(ctx, id, limit, offset)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if items == nil {
		items = []*model.DeliveryRecord{}
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse[*model.DeliveryRecord]{Items: items, Total: total})
}

func (h *CampaignHandler) GetStats(ctx *xhttp.RequestCtx) {
	id, err := pathUUID(ctx, "id")
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	stats, err := h.svc.Stats(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, stats)
}
