package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
	Auth   gin.HandlerFunc // IsAuth 为 true 时挂在 handler 前面
}

func handle(r gin.IRoutes, method, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth && opt.Auth != nil {
		r.Handle(method, path, opt.Auth, handler)
		return
	}
	r.Handle(method, path, handler)
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodPost, path, handler, opt)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodGet, path, handler, opt)
}

func PUT(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodPut, path, handler, opt)
}

func DELETE(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	handle(r, http.MethodDelete, path, handler, opt)
}
