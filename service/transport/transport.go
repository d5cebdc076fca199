// Package transport is the boundary to the vendored protocol library. The
// library owns the handshake, encryption and framing; the gateway only sees
// the Dialer/Handle contract and the decoded event variants below.
package transport

import (
	"context"
	"io"
)

type Dialer interface {
	// Dial opens one connection for sessionID using the stored credential
	// namespace. An empty namespace starts a fresh pairing.
	Dial(ctx context.Context, sessionID string, creds map[string][]byte) (Handle, error)
}

// Handle is exclusively owned by one session. Events is closed after the
// connection ends, either after a Closed event or after Close.
type Handle interface {
	Events() <-chan Event
	Send(ctx context.Context, to string, content Content) (SendResult, error)
	Logout(ctx context.Context) error
	FetchHistory(ctx context.Context, chatID string, before *MessageCursor, limit int) ([]Message, error)
	Download(ctx context.Context, ref MediaRef, w io.Writer) (int64, error)
	Close() error
}

type Content struct {
	Text string `json:"text" mapstructure:"text"`
}

type SendResult struct {
	MessageID string `json:"id" mapstructure:"id"`
	Timestamp int64  `json:"timestamp" mapstructure:"timestamp"`
}

type MessageCursor struct {
	ID       string `json:"id" mapstructure:"id"`
	FromSelf bool   `json:"fromSelf" mapstructure:"fromSelf"`
}

// MediaRef is an opaque download handle plus what the sender declared.
type MediaRef struct {
	Handle   string `json:"handle" mapstructure:"handle"`
	MimeType string `json:"mimeType,omitempty" mapstructure:"mimeType"`
	FileName string `json:"fileName,omitempty" mapstructure:"fileName"`
	Size     int64  `json:"size,omitempty" mapstructure:"size"`
}

type Message struct {
	ID        string    `json:"id" mapstructure:"id"`
	ChatID    string    `json:"chatId" mapstructure:"chatId"`
	FromSelf  bool      `json:"fromSelf" mapstructure:"fromSelf"`
	Sender    string    `json:"sender,omitempty" mapstructure:"sender"`
	PushName  string    `json:"pushName,omitempty" mapstructure:"pushName"`
	Timestamp int64     `json:"timestamp" mapstructure:"timestamp"` // unix ms
	Type      string    `json:"type" mapstructure:"type"`
	Text      string    `json:"text,omitempty" mapstructure:"text"`
	Media     *MediaRef `json:"media,omitempty" mapstructure:"media"`
}

type Chat struct {
	ID          string `json:"id" mapstructure:"id"`
	Name        string `json:"name,omitempty" mapstructure:"name"`
	Timestamp   int64  `json:"timestamp,omitempty" mapstructure:"timestamp"` // unix ms
	UnreadCount int    `json:"unreadCount,omitempty" mapstructure:"unreadCount"`
}

type Contact struct {
	ID     string `json:"id" mapstructure:"id"`
	Name   string `json:"name,omitempty" mapstructure:"name"`
	Notify string `json:"notify,omitempty" mapstructure:"notify"`
}
