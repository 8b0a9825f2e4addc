package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-engine/internal/mailer"
	"github.com/nimasrn/campaign-engine/internal/model"
	xhttp "github.com/nimasrn/campaign-engine/pkg/http"
)

type EmailService interface {
	PreviewRecipients(ctx context.Context, filter model.RecipientFilter, sample int) (*model.RecipientPreview, error)
	Templates() []model.TemplateInfo
	RenderTemplate(id, customerName string) (*model.RenderedTemplate, error)
	SendTestEmail(ctx context.Context, templateID, to, name string) (*mailer.Result, error)
}

// EmailHandler serves the authoring helpers: template catalog, recipient
// preview and test emails.
type EmailHandler struct {
	svc EmailService
}

func RegisterEmailRoutes(e *router.Group, h *EmailHandler) {
	e.GET("/recipients/preview", h.PreviewRecipients)
	e.GET("/templates", h.ListTemplates)
	e.GET("/templates/{id}/preview", h.PreviewTemplate)
	e.POST("/test-email", h.SendTestEmail)
}

func NewEmailHandler(svc EmailService) *EmailHandler {
	return &EmailHandler{
		svc: svc,
	}
}

type testEmailRequest struct {
	TemplateID string `json:"template_id"`
	ToEmail    string `json:"to_email"`
	Name       string `json:"name"`
}

func (h *EmailHandler) PreviewRecipients(ctx *xhttp.RequestCtx) {
	filter := model.RecipientFilter(query(ctx, "filter"))
	if filter == "" {
		filter = model.RecipientFilterAll
	}
	sample, err := queryInt(ctx, "sample", 0)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	p, err := h.svc.PreviewRecipients(ctx, filter, sample)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, p)
}

func (h *EmailHandler) ListTemplates(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, xhttp.StatusOK, map[string]any{"templates": h.svc.Templates()})
}

func (h *EmailHandler) PreviewTemplate(ctx *xhttp.RequestCtx) {
	out, err := h.svc.RenderTemplate(pathString(ctx, "id"), query(ctx, "name"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, out)
}

// SendTestEmail answers 200 even when the provider rejected the message; the
// body carries the outcome.
func (h *EmailHandler) SendTestEmail(ctx *xhttp.RequestCtx) {
	var req testEmailRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res, err := h.svc.SendTestEmail(ctx, req.TemplateID, req.ToEmail, req.Name)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}
