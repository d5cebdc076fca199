// Package session is the HTTP control surface of the gateway.
package session

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"msggate/module/conversation"
	sess "msggate/service/session"
	"msggate/service/transport"
	"msggate/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Sessions is the part of the supervisor the handlers use.
type Sessions interface {
	Create(ctx context.Context, id, webhookURL string) (sess.Status, error)
	Status(ctx context.Context, id string) (sess.Status, error)
	List() []sess.Status
	Restart(ctx context.Context, id string) (sess.Status, error)
	Logout(ctx context.Context, id string) error
	SetWebhook(ctx context.Context, id, url string) (sess.Status, error)
	Send(ctx context.Context, id, to string, content transport.Content) (*sess.Ticket, error)
	ListChats(ctx context.Context, id string, limit int, before *int64) (conversation.ChatPage, error)
	ListMessages(ctx context.Context, id, chatID string, limit int, cursor *transport.MessageCursor) (conversation.MessagePage, error)
}

type Handler struct {
	svc      Sessions
	sendWait time.Duration
	log      *zap.Logger
}

// NewHandler; sendWait bounds how long POST /messages waits for the dispatch result.
func NewHandler(svc Sessions, sendWait time.Duration, log *zap.Logger) *Handler {
	if sendWait <= 0 {
		sendWait = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, sendWait: sendWait, log: log}
}

// fail 统一错误出口：body 就是 CodeError {code,msg,detail}
func fail(c *gin.Context, err error) {
	ce := errs.As(err)
	if ce.Code < http.StatusBadRequest || ce.Code > 599 {
		ce = errs.ErrInternal.WithDetail(err.Error())
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(ce.Code, ce)
}

func badRequest(c *gin.Context, msg string, kv ...any) {
	fail(c, errs.ErrArgs.WrapMsg(msg, kv...))
}

func validWebhookURL(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.svc.List())})
}

type createReq struct {
	ID         string `json:"id"`
	WebhookURL string `json:"webhookUrl"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body", "err", err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if req.ID == "" {
		badRequest(c, "id is required")
		return
	}
	if !validWebhookURL(req.WebhookURL) {
		badRequest(c, "webhookUrl must be an absolute http(s) url", "webhookUrl", req.WebhookURL)
		return
	}
	st, err := h.svc.Create(c.Request.Context(), req.ID, req.WebhookURL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.svc.List()})
}

func (h *Handler) Status(c *gin.Context) {
	st, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Restart(c *gin.Context) {
	st, err := h.svc.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Logout(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Logout(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": sess.StateClosed})
}

type webhookReq struct {
	URL string `json:"url"`
}

func (h *Handler) SetWebhook(c *gin.Context) {
	var req webhookReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body", "err", err)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if !validWebhookURL(req.URL) {
		badRequest(c, "url must be an absolute http(s) url", "url", req.URL)
		return
	}
	st, err := h.svc.SetWebhook(c.Request.Context(), c.Param("id"), req.URL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type sendReq struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// Send waits up to sendWait for the paced dispatch. A send still waiting in the
// queue when the wait ends is reported as queued and goes out later.
func (h *Handler) Send(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body", "err", err)
		return
	}
	id := c.Param("id")
	ticket, err := h.svc.Send(c.Request.Context(), id, req.To, transport.Content{Text: req.Text})
	if err != nil {
		fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.sendWait)
	defer cancel()
	out, done := ticket.Wait(ctx)
	if !done {
		h.log.Info("[http] send still queued", zap.String("session", id), zap.String("client_id", ticket.ClientID))
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "clientId": ticket.ClientID})
		return
	}
	if out.Err != nil {
		fail(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "sent",
		"clientId":  out.ClientID,
		"id":        out.MessageID,
		"timestamp": out.Timestamp,
	})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *Handler) ListChats(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		badRequest(c, "limit must be a non-negative integer", "limit", c.Query("limit"))
		return
	}
	var before *int64
	if raw := c.Query("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "before must be a unix millisecond timestamp", "before", raw)
			return
		}
		before = &v
	}
	page, err := h.svc.ListChats(c.Request.Context(), c.Param("id"), limit, before)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) ListMessages(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		badRequest(c, "limit must be a non-negative integer", "limit", c.Query("limit"))
		return
	}
	chatID := strings.TrimSpace(c.Param("chatId"))
	if chatID == "" {
		badRequest(c, "chatId is required")
		return
	}
	var cursor *transport.MessageCursor
	if cid := c.Query("cursorId"); cid != "" {
		fromSelf := false
		if raw := c.Query("cursorFromSelf"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				badRequest(c, "cursorFromSelf must be a boolean", "cursorFromSelf", raw)
				return
			}
			fromSelf = v
		}
		cursor = &transport.MessageCursor{ID: cid, FromSelf: fromSelf}
	}
	page, err := h.svc.ListMessages(c.Request.Context(), c.Param("id"), chatID, limit, cursor)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
