package conversation

import (
	"strings"

	"msggate/service/media"
	"msggate/service/transport"
)

const groupSuffix = "@g.us"

// Chat 会话列表条目；Timestamp 是分页键，单调不减
type Chat struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	UnreadCount int    `json:"unreadCount"`
	IsGroup     bool   `json:"isGroup"`
}

type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Notify string `json:"notify,omitempty"` // 对方自己设置的昵称
}

// DisplayName 优先通讯录名，其次对方昵称
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Notify
}

const (
	TypeText     = "text"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
	TypeUnknown  = "unknown"
)

var knownTypes = map[string]struct{}{
	TypeText: {}, TypeImage: {}, TypeVideo: {}, TypeAudio: {},
	TypeDocument: {}, TypeSticker: {}, TypeUnknown: {},
}

// Message 对外稳定的消息结构
type Message struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chatId"`
	FromSelf  bool              `json:"fromSelf"`
	Sender    string            `json:"sender,omitempty"`
	PushName  string            `json:"pushName,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Media     *media.Descriptor `json:"media,omitempty"`
}

func (m Message) Cursor() transport.MessageCursor {
	return transport.MessageCursor{ID: m.ID, FromSelf: m.FromSelf}
}

// Shape 把传输层消息整理成稳定结构；desc 可为 nil
func Shape(m transport.Message, desc *media.Descriptor) Message {
	typ := strings.ToLower(m.Type)
	if typ == "" {
		if m.Text != "" {
			typ = TypeText
		} else {
			typ = TypeUnknown
		}
	}
	if _, ok := knownTypes[typ]; !ok {
		typ = TypeUnknown
	}
	sender := m.Sender
	if sender == "" && !m.FromSelf {
		sender = m.ChatID
	}
	return Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		FromSelf:  m.FromSelf,
		Sender:    sender,
		PushName:  m.PushName,
		Timestamp: m.Timestamp,
		Type:      typ,
		Text:      m.Text,
		Media:     desc,
	}
}

func IsGroup(chatID string) bool { return strings.HasSuffix(chatID, groupSuffix) }
