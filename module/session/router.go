package session

import (
	"msggate/middleware"
	"msggate/middleware/security"
	"msggate/service/media"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	APIKey    string // 为空则不校验
	MediaRoot string
	Logger    *zap.Logger
}

func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	mgr := middleware.NewManager(middleware.RequestID())
	r.Use(mgr.Use(), middleware.AccessLog(log), middleware.Recovery(log))

	auth := middleware.RouteOpt{IsAuth: true, Auth: security.Middleware(security.DefaultOptions(cfg.APIKey))}
	public := middleware.RouteOpt{}

	middleware.GET(r, "/healthz", h.Health, public)

	middleware.POST(r, "/sessions", h.Create, auth)
	middleware.GET(r, "/sessions", h.List, auth)
	middleware.GET(r, "/sessions/:id/status", h.Status, auth)
	middleware.POST(r, "/sessions/:id/restart", h.Restart, auth)
	middleware.POST(r, "/sessions/:id/logout", h.Logout, auth)
	middleware.DELETE(r, "/sessions/:id", h.Logout, auth)
	middleware.PUT(r, "/sessions/:id/webhook", h.SetWebhook, auth)
	middleware.POST(r, "/sessions/:id/messages", h.Send, auth)
	middleware.GET(r, "/sessions/:id/chats", h.ListChats, auth)
	middleware.GET(r, "/sessions/:id/chats/:chatId/messages", h.ListMessages, auth)

	if cfg.MediaRoot != "" {
		r.Static(media.RoutePrefix, cfg.MediaRoot)
	}
	return r
}
