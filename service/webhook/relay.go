// Package webhook turns session events into signed HTTP callbacks.
//
// session.created is signed with the process-wide bootstrap secret because the
// receiver learns the session secret from that very envelope; every later event
// of the session is signed with the session's own secret.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"msggate/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventSessionCreated      = "session.created"
	EventSessionQR           = "session.qr"
	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventMessageReceived     = "message.received"
	EventMessageSent         = "message.sent"
	EventMessageFailed       = "message.failed"
)

type Envelope struct {
	SessionID string `json:"sessionId"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Ts        int64  `json:"ts"`
}

// Target identifies where a session's events go and how they are signed.
type Target struct {
	SessionID string
	URL       string
	Secret    string // session secret
}

// Publisher is what the session layer depends on.
type Publisher interface {
	Publish(ctx context.Context, target Target, event string, data any)
}

type Config struct {
	BootstrapSecret string
	Timeout         time.Duration
	Client          *http.Client
	Mirrors         []Sink
	Now             func() time.Time
	Logger          *zap.Logger
}

type Relay struct {
	cfg Config
}

func New(cfg Config) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.L()
	}
	return &Relay{cfg: cfg}
}

// SecretFor picks the signing secret for an event.
func (r *Relay) SecretFor(target Target, event string) string {
	if event == EventSessionCreated {
		return r.cfg.BootstrapSecret
	}
	return target.Secret
}

// Publish delivers one envelope. It never returns an error: delivery problems
// are logged and the event is gone.
func (r *Relay) Publish(ctx context.Context, target Target, event string, data any) {
	log := r.cfg.Logger.With(zap.String("session", target.SessionID), zap.String("event", event))

	env := Envelope{
		SessionID: target.SessionID,
		Event:     event,
		Data:      data,
		Ts:        r.cfg.Now().UnixMilli(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		log.Error("[webhook] marshal envelope", zap.Error(err))
		return
	}

	r.mirror(ctx, env, body, log)

	if target.URL == "" {
		log.Debug("[webhook] no url configured, event dropped")
		return
	}
	secret := r.SecretFor(target, event)
	if secret == "" {
		log.Warn("[webhook] no signing secret, event dropped")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		log.Warn("[webhook] build request", zap.String("url", target.URL), zap.Error(err))
		return
	}
	delivery := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, body))
	req.Header.Set(HeaderVersion, SignatureVersion)
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, delivery)

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		log.Warn("[webhook] delivery failed", zap.String("url", target.URL), zap.String("delivery", delivery), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("[webhook] non-2xx response", zap.String("url", target.URL), zap.String("delivery", delivery), zap.Int("status", resp.StatusCode))
		return
	}
	log.Debug("[webhook] delivered", zap.String("delivery", delivery), zap.Int("status", resp.StatusCode))
}

func (r *Relay) mirror(ctx context.Context, env Envelope, body []byte, log *zap.Logger) {
	for _, s := range r.cfg.Mirrors {
		if err := s.Publish(ctx, env, body); err != nil {
			log.Warn("[webhook] mirror publish failed", zap.String("mirror", s.Name()), zap.Error(err))
		}
	}
}
