package session

import (
	"msggate/module/conversation"
	"msggate/service/media"
	"msggate/service/storage"
	"msggate/service/transport"
	"msggate/service/webhook"
	"msggate/tools/safe"

	"go.uber.org/zap"
)

// pump is the only reader of h's events; it handles them in delivery order.
// Events from a handle that is no longer current are drained and ignored.
func (s *Supervisor) pump(e *entry, h transport.Handle, gen uint64) {
	log := s.log.With(zap.String("session", e.id), zap.Uint64("gen", gen))
	sawClose := false
	for ev := range h.Events() {
		if !e.current(gen) {
			continue
		}
		if c, ok := ev.(transport.Closed); ok {
			sawClose = true
			s.onClosed(e, gen, c)
			continue
		}
		s.onEvent(e, h, ev)
	}
	if !sawClose && e.current(gen) && s.ctx.Err() == nil {
		log.Warn("[session] event stream ended without close event")
		s.onClosed(e, gen, transport.Closed{Code: transport.CodeConnectionClosed, Reason: "event stream ended"})
	}
	log.Debug("[session] pump stopped")
}

func (s *Supervisor) onClosed(e *entry, gen uint64, c transport.Closed) {
	fault := transport.Classify(c.Code)
	e.mu.Lock()
	e.lastDisc = &Disconnect{Code: c.Code, Reason: fault.Reason, At: s.cfg.Now()}
	e.mu.Unlock()

	s.log.Info("[session] connection closed",
		zap.String("session", e.id),
		zap.Int("code", c.Code),
		zap.String("reason", fault.Reason),
		zap.Bool("permanent", fault.Permanent),
		zap.String("detail", c.Reason))

	if fault.Permanent {
		safe.Go("session.revoke."+e.id, func() { s.revoke(e, gen, c.Code, fault.Reason) })
		return
	}
	safe.Go("session.restart."+e.id, func() { s.autoRestart(e, gen) })
}

// autoRestart is idempotent: only the first trigger for a handle generation acts.
func (s *Supervisor) autoRestart(e *entry, gen uint64) {
	if s.ctx.Err() != nil || !s.lockLive(e) {
		return
	}
	defer e.opMu.Unlock()
	e.mu.Lock()
	stale := e.gen != gen || e.state.Terminal()
	e.mu.Unlock()
	if stale {
		return
	}
	_ = s.restartLocked(s.ctx, e)
}

// revoke handles a permanent fault: the credentials are gone, so they are
// purged and the session stays LoggedOut until created again.
func (s *Supervisor) revoke(e *entry, gen uint64, code int, reason string) {
	if !s.lockLive(e) {
		return
	}
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.gen != gen || e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateLoggedOut
	e.qr = ""
	e.mu.Unlock()

	if h := e.detach(); h != nil {
		_ = h.Close()
	}
	s.cfg.Queue.Drop(e.id)
	if err := s.cfg.Store.Purge(s.ctx, e.id); err != nil {
		s.log.Error("[session] purge revoked credentials", zap.String("session", e.id), zap.Error(err))
	}
	s.publish(e, webhook.EventSessionDisconnected, map[string]any{"reason": reason, "code": code})
}

func (s *Supervisor) onEvent(e *entry, h transport.Handle, ev transport.Event) {
	log := s.log.With(zap.String("session", e.id), zap.String("event", ev.Kind()))
	switch v := ev.(type) {
	case transport.PairingChallenge:
		e.mu.Lock()
		e.state = StateAwaitingScan
		e.qr = v.Payload
		e.mu.Unlock()
		s.publish(e, webhook.EventSessionQR, map[string]any{"qr": v.Payload})

	case transport.Opened:
		e.mu.Lock()
		e.state = StateConnected
		e.selfID = v.SelfID
		e.pushName = v.PushName
		e.qr = ""
		e.mu.Unlock()
		log.Info("[session] connected", zap.String("self", v.SelfID))
		s.publish(e, webhook.EventSessionConnected, map[string]any{
			"selfId":      v.SelfID,
			"phoneNumber": PhoneFromID(v.SelfID),
			"pushName":    v.PushName,
		})

	case transport.CredentialsUpdated:
		set := v.Set
		if _, ok := set[storage.MetaKey]; ok {
			set = make(map[string][]byte, len(v.Set))
			for k, b := range v.Set {
				if k != storage.MetaKey {
					set[k] = b
				}
			}
		}
		del := make([]string, 0, len(v.Delete))
		for _, k := range v.Delete {
			if k != storage.MetaKey {
				del = append(del, k)
			}
		}
		if err := s.cfg.Store.Apply(s.ctx, e.id, set, del); err != nil {
			log.Error("[session] persist credentials", zap.Error(err))
		}

	case transport.MessagesReceived:
		for _, m := range v.Messages {
			var desc *media.Descriptor
			if v.Live && m.Media != nil && s.cfg.Media != nil {
				desc = s.cfg.Media.Ingest(s.ctx, h, *m.Media, m.Media.MimeType)
			}
			msg := conversation.Shape(m, desc)
			e.index.RecordMessage(msg, v.Live)
			if v.Live {
				s.publish(e, webhook.EventMessageReceived, msg)
			}
		}

	case transport.ChatsUpserted:
		for _, c := range v.Chats {
			e.index.UpsertChat(conversation.Chat{ID: c.ID, Name: c.Name, Timestamp: c.Timestamp, UnreadCount: c.UnreadCount})
		}

	case transport.ContactsUpserted:
		for _, c := range v.Contacts {
			e.index.UpsertContact(conversation.Contact{ID: c.ID, Name: c.Name, Notify: c.Notify})
		}

	default:
		log.Debug("[session] event ignored")
	}
}
