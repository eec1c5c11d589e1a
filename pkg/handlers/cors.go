package handlers

import "github.com/valyala/fasthttp"

// CORSHandler answers preflight requests for any path.
func CORSHandler(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.SetNoDefaultContentType(true)
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "*")
	ctx.Response.Header.Set("Access-Control-Max-Age", "86400")
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
