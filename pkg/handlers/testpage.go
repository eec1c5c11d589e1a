package handlers

import (
	"log/slog"
	"os"

	"github.com/valyala/fasthttp"
)

var errorTestPage = []byte("Failed to load ws-test.html")

// TestPageHandler serves the browser WebSocket test page.
// The file is read on every request so it can be edited while the server runs.
type TestPageHandler struct {
	file   string
	logger *slog.Logger
}

// NewTestPageHandler creates a handler serving the given HTML file.
func NewTestPageHandler(file string, logger *slog.Logger) *TestPageHandler {
	return &TestPageHandler{
		file:   file,
		logger: logger,
	}
}

// Handle writes the page, or a plain-text 500 when it cannot be read.
func (h *TestPageHandler) Handle(ctx *fasthttp.RequestCtx) {
	html, err := os.ReadFile(h.file)
	if err != nil {
		h.logger.Error("failed to load test page", "file", h.file, "error", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetContentType("text/plain")
		ctx.SetBody(errorTestPage)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/html; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetBody(html)
}
