package xhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func serve(r *Router, method, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	r.Handler(ctx)
	return ctx
}

func TestDefaultRouter_Fallbacks(t *testing.T) {
	r := CreateDefaultRouter()
	r.GET("/api/v1/ping", func(ctx *RequestCtx) {
		ctx.SetStatusCode(StatusOK)
	})
	r.GET("/api/v1/boom", func(ctx *RequestCtx) {
		panic("boom")
	})

	ctx := serve(r, "GET", "/api/v1/ping")
	assert.Equal(t, StatusOK, ctx.Response.StatusCode())

	ctx = serve(r, "GET", "/api/v1/missing")
	assert.Equal(t, StatusNotFound, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"error":"Not Found"}`, string(ctx.Response.Body()))

	ctx = serve(r, "POST", "/api/v1/ping")
	assert.Equal(t, StatusMethodNotAllowed, ctx.Response.StatusCode())
	assert.Equal(t, "application/json", string(ctx.Response.Header.ContentType()))

	ctx = serve(r, "GET", "/api/v1/boom")
	assert.Equal(t, StatusInternalServerError, ctx.Response.StatusCode())
}

func TestEngine_MiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) MiddlewareFunc {
		return func(next RequestHandler) RequestHandler {
			return func(ctx *RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	e := NewServer(DefaultServerOption)
	e.Router = CreateDefaultRouter()
	e.Router.GET("/", func(ctx *RequestCtx) { order = append(order, "handler") })
	e.Use(mark("outer"))
	e.Use(mark("inner"))
	assert.NoError(t, e.DoRouting())

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/")
	e.Server.Handler(ctx)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
