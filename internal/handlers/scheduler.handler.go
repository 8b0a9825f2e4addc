package handlers

import (
	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-engine/internal/scheduler"
	xhttp "github.com/nimasrn/campaign-engine/pkg/http"
)

type SchedulerStatus interface {
	Status() scheduler.Status
}

type SchedulerHandler struct {
	scheduler SchedulerStatus
}

func RegisterSchedulerRoutes(e *router.Group, h *SchedulerHandler) {
	e.GET("/scheduler/status", h.GetStatus)
}

func NewSchedulerHandler(s SchedulerStatus) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: s,
	}
}

func (h *SchedulerHandler) GetStatus(ctx *xhttp.RequestCtx) {
	writeJSON(ctx, xhttp.StatusOK, h.scheduler.Status())
}
