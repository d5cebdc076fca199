package session

import (
	"context"
	"strings"

	"msggate/module/conversation"
	"msggate/service/transport"
	"msggate/service/webhook"
	"msggate/tools/errs"
	"msggate/tools/ids"
	"msggate/tools/safe"

	"go.uber.org/zap"
)

const userSuffix = "@s.whatsapp.net"

// NormalizeDestination turns a bare phone number into a user id; ids that
// already carry a domain pass through.
func NormalizeDestination(to string) string {
	to = strings.TrimSpace(to)
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + userSuffix
}

type SendOutcome struct {
	ClientID  string
	MessageID string
	Timestamp int64
	Err       error
}

// Ticket tracks one queued send.
type Ticket struct {
	ClientID string
	done     chan SendOutcome
}

// Wait blocks until the send ran or ctx is done; ok is false on ctx expiry.
func (t *Ticket) Wait(ctx context.Context) (out SendOutcome, ok bool) {
	select {
	case out = <-t.done:
		return out, true
	case <-ctx.Done():
		return SendOutcome{ClientID: t.ClientID}, false
	}
}

// Send queues a text message behind the session's pacing queue.
func (s *Supervisor) Send(ctx context.Context, id, to string, content transport.Content) (*Ticket, error) {
	dest := NormalizeDestination(to)
	if dest == "" {
		return nil, errs.ErrArgs.WrapMsg("invalid destination", "to", to)
	}
	if strings.TrimSpace(content.Text) == "" {
		return nil, errs.ErrArgs.WrapMsg("text is required")
	}
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateConnected {
		return nil, errs.ErrSessionNotReady.WrapMsg("", "session", id, "state", state)
	}

	t := &Ticket{ClientID: ids.MessageID(), done: make(chan SendOutcome, 1)}
	s.cfg.Queue.EnqueueWithDiscard(id, "send", func(qctx context.Context) error {
		out := s.deliver(qctx, e, t.ClientID, dest, content)
		t.done <- out
		return out.Err
	}, func(reason error) {
		s.discarded(e, t, dest, reason)
	})
	return t, nil
}

// discarded resolves a ticket whose send was dropped before dispatch and
// reports it as failed.
func (s *Supervisor) discarded(e *entry, t *Ticket, to string, reason error) {
	out := SendOutcome{
		ClientID: t.ClientID,
		Err:      errs.ErrSessionNotReady.WrapMsg("send discarded before dispatch", "session", e.id, "reason", reason),
	}
	t.done <- out
	s.log.Warn("[session] send discarded", zap.String("session", e.id), zap.String("client_id", t.ClientID), zap.Error(reason))
	// 调用方可能持有 opMu，webhook 投递放到后台
	safe.Go("session.discard."+e.id, func() {
		s.publish(e, webhook.EventMessageFailed, map[string]any{
			"clientId": t.ClientID,
			"to":       to,
			"error":    errs.As(out.Err).Detail,
		})
	})
}

func (s *Supervisor) deliver(ctx context.Context, e *entry, clientID, to string, content transport.Content) SendOutcome {
	out := SendOutcome{ClientID: clientID}
	e.mu.Lock()
	h, state := e.handle, e.state
	e.mu.Unlock()

	if h == nil || state != StateConnected {
		out.Err = errs.ErrSessionNotReady.WrapMsg("session left connected state before dispatch", "session", e.id, "state", state)
	} else {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		res, err := h.Send(sctx, to, content)
		cancel()
		if err != nil {
			out.Err = errs.ErrTransport.WrapMsg("send", "session", e.id, "err", err)
		} else {
			out.MessageID, out.Timestamp = res.MessageID, res.Timestamp
		}
	}

	if out.Err != nil {
		s.log.Warn("[session] send failed", zap.String("session", e.id), zap.String("client_id", clientID), zap.Error(out.Err))
		s.publish(e, webhook.EventMessageFailed, map[string]any{
			"clientId": clientID,
			"to":       to,
			"error":    errs.As(out.Err).Detail,
		})
		return out
	}

	if out.Timestamp == 0 {
		out.Timestamp = s.cfg.Now().UnixMilli()
	}
	e.index.RecordMessage(conversation.Message{
		ID:        out.MessageID,
		ChatID:    to,
		FromSelf:  true,
		Timestamp: out.Timestamp,
		Type:      conversation.TypeText,
		Text:      content.Text,
	}, true)
	s.publish(e, webhook.EventMessageSent, map[string]any{
		"clientId":  clientID,
		"id":        out.MessageID,
		"to":        to,
		"timestamp": out.Timestamp,
	})
	return out
}

func (s *Supervisor) ListChats(ctx context.Context, id string, limit int, before *int64) (conversation.ChatPage, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return conversation.ChatPage{}, err
	}
	return e.index.ListChats(limit, before), nil
}

func (s *Supervisor) ListMessages(ctx context.Context, id, chatID string, limit int, cursor *transport.MessageCursor) (conversation.MessagePage, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return conversation.MessagePage{}, err
	}
	e.mu.Lock()
	h, state := e.handle, e.state
	e.mu.Unlock()
	if h == nil || state != StateConnected {
		return conversation.MessagePage{}, errs.ErrSessionNotReady.WrapMsg("", "session", id, "state", state)
	}
	page, err := e.index.ListMessages(ctx, h, chatID, limit, cursor)
	if err != nil {
		return conversation.MessagePage{}, errs.ErrTransport.WrapMsg("history", "session", id, "err", err)
	}
	return page, nil
}
