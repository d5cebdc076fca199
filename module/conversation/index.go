// Package conversation keeps one session's chats, contacts and recent messages
// in memory and pages through them.
package conversation

import (
	"context"
	"sort"
	"sync"

	"msggate/service/transport"

	"github.com/pkg/errors"
)

const (
	DefaultLimit      = 20
	MaxLimit          = 100
	DefaultCacheLimit = 200
)

// NormalizeLimit 0 或负数取默认值，超过上限截断
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

type ChatPage struct {
	Chats      []Chat `json:"chats"`
	NextCursor *int64 `json:"nextCursor"`
}

type MessagePage struct {
	Messages   []Message                `json:"messages"`
	NextCursor *transport.MessageCursor `json:"nextCursor"`
}

// HistoryFetcher 由传输层句柄实现
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, chatID string, before *transport.MessageCursor, limit int) ([]transport.Message, error)
}

type Index struct {
	mu         sync.RWMutex
	chats      map[string]*Chat
	contacts   map[string]*Contact
	messages   map[string][]Message // chatID -> newest first
	cacheLimit int
}

func NewIndex(cacheLimit int) *Index {
	if cacheLimit <= 0 {
		cacheLimit = DefaultCacheLimit
	}
	return &Index{
		chats:      make(map[string]*Chat),
		contacts:   make(map[string]*Contact),
		messages:   make(map[string][]Message),
		cacheLimit: cacheLimit,
	}
}

// UpsertChat 非破坏性合并：已知名字不被空名覆盖，时间戳不回退
func (x *Index) UpsertChat(c Chat) {
	if c.ID == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.upsertChatLocked(c)
}

func (x *Index) upsertChatLocked(c Chat) *Chat {
	cur, ok := x.chats[c.ID]
	if !ok {
		cp := c
		cp.IsGroup = IsGroup(c.ID)
		if cp.Name == "" {
			if ct := x.contacts[c.ID]; ct != nil {
				cp.Name = ct.DisplayName()
			}
		}
		x.chats[c.ID] = &cp
		return &cp
	}
	if c.Name != "" {
		cur.Name = c.Name
	}
	if c.Timestamp >= cur.Timestamp {
		cur.Timestamp = c.Timestamp
		cur.UnreadCount = c.UnreadCount
	}
	return cur
}

// UpsertContact 合并联系人，并给缺名字的会话补名
func (x *Index) UpsertContact(c Contact) {
	if c.ID == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	cur, ok := x.contacts[c.ID]
	if !ok {
		cp := c
		cur = &cp
		x.contacts[c.ID] = cur
	} else {
		if c.Name != "" {
			cur.Name = c.Name
		}
		if c.Notify != "" {
			cur.Notify = c.Notify
		}
	}
	if ch := x.chats[c.ID]; ch != nil && ch.Name == "" {
		ch.Name = cur.DisplayName()
	}
}

// RecordMessage 缓存消息并推进所属会话的活跃时间。
// 只有 live 且首次见到的对方消息才计入未读；历史同步和重复投递不计
func (x *Index) RecordMessage(m Message, live bool) {
	if m.ChatID == "" || m.ID == "" {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	ch := x.chats[m.ChatID]
	if ch == nil {
		ch = x.upsertChatLocked(Chat{ID: m.ChatID})
	}
	if m.Timestamp > ch.Timestamp {
		ch.Timestamp = m.Timestamp
	}
	if ch.Name == "" && !ch.IsGroup && m.PushName != "" && !m.FromSelf {
		ch.Name = m.PushName
	}
	if x.cacheLocked(m) && live && !m.FromSelf {
		ch.UnreadCount++
	}
}

// cacheLocked reports whether m was not cached before.
func (x *Index) cacheLocked(m Message) bool {
	list := x.messages[m.ChatID]
	for i := range list {
		if list[i].ID == m.ID && list[i].FromSelf == m.FromSelf {
			if m.Media == nil {
				m.Media = list[i].Media
			}
			list[i] = m
			return false
		}
	}
	// 插入保持新到旧；同时间戳的后到者排在前面
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp <= m.Timestamp })
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	if len(list) > x.cacheLimit {
		list = list[:x.cacheLimit]
	}
	x.messages[m.ChatID] = list
	return true
}

func (x *Index) Chat(id string) (Chat, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.chats[id]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

func (x *Index) Contact(id string) (Contact, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	c, ok := x.contacts[id]
	if !ok {
		return Contact{}, false
	}
	return *c, true
}

// CachedMessages 返回缓存的消息副本（新到旧）
func (x *Index) CachedMessages(chatID string) []Message {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]Message(nil), x.messages[chatID]...)
}

// ListChats 按活跃时间倒序；before 非空时只取严格早于它的会话
func (x *Index) ListChats(limit int, before *int64) ChatPage {
	limit = NormalizeLimit(limit)
	x.mu.RLock()
	all := make([]Chat, 0, len(x.chats))
	for _, c := range x.chats {
		if before != nil && c.Timestamp >= *before {
			continue
		}
		all = append(all, *c)
	}
	x.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].ID < all[j].ID
	})

	page := ChatPage{Chats: all}
	if len(all) > limit {
		page.Chats = all[:limit]
		next := page.Chats[limit-1].Timestamp
		page.NextCursor = &next
	}
	return page
}

// ListMessages 原始拉取交给传输层，这里负责整理结构、缓存和计算下一页游标
func (x *Index) ListMessages(ctx context.Context, f HistoryFetcher, chatID string, limit int, cursor *transport.MessageCursor) (MessagePage, error) {
	limit = NormalizeLimit(limit)
	raw, err := f.FetchHistory(ctx, chatID, cursor, limit)
	if err != nil {
		return MessagePage{Messages: []Message{}}, errors.Wrapf(err, "fetch history of %s", chatID)
	}
	if len(raw) > limit {
		raw = raw[:limit]
	}

	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		out = append(out, Shape(m, nil))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })

	x.mu.Lock()
	for _, m := range out {
		x.cacheLocked(m)
	}
	x.mu.Unlock()

	page := MessagePage{Messages: out}
	if len(out) > 0 {
		c := out[len(out)-1].Cursor()
		page.NextCursor = &c
	}
	return page, nil
}
