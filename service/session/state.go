package session

import (
	"strings"
	"time"
)

type State string

const (
	StateInitializing   State = "initializing"
	StateAwaitingScan   State = "awaitingScan"
	StateConnected      State = "connected"
	StateRestartPending State = "restartPending"
	StateLoggedOut      State = "loggedOut"
	StateClosed         State = "closed"
)

// Terminal states never reconnect on their own.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateClosed
}

type Disconnect struct {
	Code   int       `json:"code"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time copy of a session for callers.
type Status struct {
	ID             string      `json:"id"`
	State          State       `json:"state"`
	QR             *string     `json:"qr"`
	Connected      bool        `json:"connected"`
	SelfID         string      `json:"selfId,omitempty"`
	PhoneNumber    string      `json:"phoneNumber,omitempty"`
	PushName       string      `json:"pushName,omitempty"`
	WebhookURL     string      `json:"webhookUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	QueueDepth     int         `json:"queueDepth"`
	LastDisconnect *Disconnect `json:"lastDisconnect,omitempty"`
}

// PhoneFromID takes the account part of an id like "1234:7@s.whatsapp.net".
func PhoneFromID(id string) string {
	local := id
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}
	return local
}
