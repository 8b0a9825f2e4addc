package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-engine/internal/tracking"
	xhttp "github.com/nimasrn/campaign-engine/pkg/http"
	"github.com/nimasrn/campaign-engine/pkg/logger"
)

type OpenTracker interface {
	RecordOpen(ctx context.Context, token string) (bool, error)
}

type TrackingHandler struct {
	tracker OpenTracker
}

func RegisterTrackingRoutes(e *router.Group, h *TrackingHandler) {
	e.GET("/track/{file}", h.TrackOpen)
}

func NewTrackingHandler(tracker OpenTracker) *TrackingHandler {
	return &TrackingHandler{
		tracker: tracker,
	}
}

// TrackOpen always answers with the pixel, whatever the token.
func (h *TrackingHandler) TrackOpen(ctx *xhttp.RequestCtx) {
	if token, ok := tracking.TokenFromFile(pathString(ctx, "file")); ok {
		if _, err := h.tracker.RecordOpen(ctx, token); err != nil {
			logger.Error("[tracking] failed to record open", "error", err)
		}
	}

	ctx.Response.Header.Set("Content-Type", "image/png")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")
	ctx.Response.SetStatusCode(xhttp.StatusOK)
	ctx.Response.SetBody(tracking.Pixel())
}
