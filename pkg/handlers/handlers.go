package handlers

import (
	"bytes"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// Pre-computed route constants to avoid allocations
var (
	healthPaths = [][]byte{
		[]byte("/health"),
		[]byte("/healthz"),
		[]byte("/ready"),
	}
	testPagePath  = []byte("/ws-test")
	methodOptions = []byte(fasthttp.MethodOptions)
	errorUpgrade  = "Bad Request"
)

// Router dispatches every request to exactly one handler.
// Unknown paths are not an error: they all stream SSE.
func Router(health *HealthHandler, page *TestPageHandler, sse *SSEHandler, ws *WebSocketHandler) fasthttp.RequestHandler {
	wsPath := []byte(ws.Path())

	return func(ctx *fasthttp.RequestCtx) {
		// ctx.Path() is already stripped of the query string
		pathBytes := ctx.Path()

		if websocket.FastHTTPIsWebSocketUpgrade(ctx) {
			if bytes.Equal(pathBytes, wsPath) {
				ws.Handle(ctx)
				return
			}
			ctx.Error(errorUpgrade, fasthttp.StatusBadRequest)
			return
		}

		if bytes.Equal(ctx.Method(), methodOptions) {
			CORSHandler(ctx)
			return
		}

		if isHealthPath(pathBytes) {
			health.Handle(ctx)
			return
		}

		if bytes.Equal(pathBytes, testPagePath) {
			page.Handle(ctx)
			return
		}

		sse.Handle(ctx)
	}
}

func isHealthPath(path []byte) bool {
	for _, p := range healthPaths {
		if bytes.Equal(path, p) {
			return true
		}
	}
	return false
}
