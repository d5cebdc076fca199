package storage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"msggate/tools/errs"
)

var (
	ErrNoCredential     = errors.New("credential not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// MetaKey 网关自己的会话元数据，和传输层的密钥放在同一个命名空间里，随会话一起清除
const MetaKey = "gateway-meta"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// CredentialStore is the durable per-session namespace for protocol secrets.
// Values are opaque to the gateway; the transport library decides what to keep.
type CredentialStore interface {
	// Load returns the whole namespace; an unknown session yields an empty map.
	Load(ctx context.Context, sessionID string) (map[string][]byte, error)
	Get(ctx context.Context, sessionID, key string) ([]byte, error)
	// Apply writes set and removes del in one step.
	Apply(ctx context.Context, sessionID string, set map[string][]byte, del []string) error
	Purge(ctx context.Context, sessionID string) error
	// Sessions lists every session id that has a namespace.
	Sessions(ctx context.Context) ([]string, error)
}

// SessionMeta is persisted under MetaKey so a reloaded session keeps its secret.
type SessionMeta struct {
	WebhookURL string    `json:"webhookUrl,omitempty"`
	Secret     string    `json:"secret"`
	CreatedAt  time.Time `json:"createdAt"`
}

func LoadMeta(ctx context.Context, store CredentialStore, sessionID string) (SessionMeta, error) {
	var meta SessionMeta
	b, err := store.Get(ctx, sessionID, MetaKey)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, errs.WrapMsg(err, "decode session meta", "session", sessionID)
	}
	return meta, nil
}

func SaveMeta(ctx context.Context, store CredentialStore, sessionID string, meta SessionMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return errs.Wrap(err)
	}
	return store.Apply(ctx, sessionID, map[string][]byte{MetaKey: b}, nil)
}
