package natsx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"msggate/service/webhook"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, hdr map[string]string) error
}

// EventSink 把 webhook 信封镜像到 <prefix>.<sessionId>.<event>
type EventSink struct {
	pub    Publisher
	prefix string
}

func NewEventSink(pub Publisher, prefix string) *EventSink {
	return &EventSink{pub: pub, prefix: strings.Trim(prefix, ".")}
}

func (s *EventSink) Name() string { return "nats" }

func (s *EventSink) Subject(sessionID, event string) string {
	parts := make([]string, 0, 3)
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	parts = append(parts, token(sessionID), event)
	return strings.Join(parts, ".")
}

func (s *EventSink) Publish(ctx context.Context, env webhook.Envelope, body []byte) error {
	sum := sha256.Sum256(body)
	return s.pub.Publish(ctx, s.Subject(env.SessionID, env.Event), body, map[string]string{
		"Nats-Msg-Id":       hex.EncodeToString(sum[:16]),
		webhook.HeaderEvent: env.Event,
		"X-Webhook-Session": env.SessionID,
	})
}

// token 去掉 subject 里有特殊含义的字符
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
