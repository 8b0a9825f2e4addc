package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nimasrn/campaign-engine/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

type recordedOpens struct {
	tokens []string
	err    error
}

func (r *recordedOpens) RecordOpen(_ context.Context, token string) (bool, error) {
	r.tokens = append(r.tokens, token)
	return r.err == nil, r.err
}

func assertPixel(t *testing.T, ctx *fasthttp.RequestCtx) {
	t.Helper()
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "image/png", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, "no-cache, no-store, must-revalidate", string(ctx.Response.Header.Peek("Cache-Control")))
	assert.Equal(t, "no-cache", string(ctx.Response.Header.Peek("Pragma")))
	assert.Equal(t, "0", string(ctx.Response.Header.Peek("Expires")))
	assert.Equal(t, tracking.Pixel(), ctx.Response.Body())
}

func TestTrackingHandler_TrackOpen(t *testing.T) {
	token := strings.Repeat("a", tracking.TokenLength)

	t.Run("valid token", func(t *testing.T) {
		opens := &recordedOpens{}
		h := NewTrackingHandler(opens)
		ctx := setupTestContext("GET", "/api/v1/track/"+token+".png", nil)
		ctx.SetUserValue("file", token+".png")
		h.TrackOpen(ctx)

		assertPixel(t, ctx)
		assert.Equal(t, []string{token}, opens.tokens)
	})

	t.Run("malformed token never reaches storage", func(t *testing.T) {
		opens := &recordedOpens{}
		h := NewTrackingHandler(opens)
		ctx := setupTestContext("GET", "/api/v1/track/nope.png", nil)
		ctx.SetUserValue("file", "nope.png")
		h.TrackOpen(ctx)

		assertPixel(t, ctx)
		assert.Empty(t, opens.tokens)
	})

	t.Run("storage error still serves the pixel", func(t *testing.T) {
		opens := &recordedOpens{err: errors.New("db down")}
		h := NewTrackingHandler(opens)
		ctx := setupTestContext("GET", "/", nil)
		ctx.SetUserValue("file", token+".png")
		h.TrackOpen(ctx)

		assertPixel(t, ctx)
	})
}
