// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"msggate/service/transport"
)

var ErrHandleClosed = errors.New("fake handle closed")

// Dialer hands out Handles and tracks how many are live per session.
type Dialer struct {
	mu       sync.Mutex
	handles  map[string][]*Handle
	live     map[string]int
	maxLive  map[string]int
	DialErr  error
	OnDial   func(h *Handle) // runs before Dial returns, e.g. to queue events
	dialSeen []map[string][]byte
}

func NewDialer() *Dialer {
	return &Dialer{
		handles: make(map[string][]*Handle),
		live:    make(map[string]int),
		maxLive: make(map[string]int),
	}
}

func (d *Dialer) Dial(_ context.Context, sessionID string, creds map[string][]byte) (transport.Handle, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	h := newHandle(d, sessionID)
	d.handles[sessionID] = append(d.handles[sessionID], h)
	d.live[sessionID]++
	if d.live[sessionID] > d.maxLive[sessionID] {
		d.maxLive[sessionID] = d.live[sessionID]
	}
	cp := make(map[string][]byte, len(creds))
	for k, v := range creds {
		cp[k] = v
	}
	d.dialSeen = append(d.dialSeen, cp)
	onDial := d.OnDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(h)
	}
	return h, nil
}

func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	d.DialErr = err
	d.mu.Unlock()
}

func (d *Dialer) released(sessionID string) {
	d.mu.Lock()
	d.live[sessionID]--
	d.mu.Unlock()
}

// Handles returns every handle ever dialled for sessionID, oldest first.
func (d *Dialer) Handles(sessionID string) []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles[sessionID]...)
}

// Latest returns the newest handle for sessionID or nil.
func (d *Dialer) Latest(sessionID string) *Handle {
	hs := d.Handles(sessionID)
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (d *Dialer) Live(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[sessionID]
}

func (d *Dialer) MaxLive(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive[sessionID]
}

// DialCredentials returns the credential snapshot passed to each Dial call.
func (d *Dialer) DialCredentials() []map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[string][]byte(nil), d.dialSeen...)
}

type Sent struct {
	To      string
	Content transport.Content
}

type Handle struct {
	dialer    *Dialer
	SessionID string

	emitMu    sync.Mutex
	events    chan transport.Event
	closeOnce sync.Once
	closed    atomic.Bool

	mu        sync.Mutex
	sent      []Sent
	SendErr   error
	LogoutErr error
	loggedOut bool
	History   []transport.Message
	Media     map[string][]byte
	DownErr   error
	seq       int
}

func newHandle(d *Dialer, sessionID string) *Handle {
	return &Handle{
		dialer:    d,
		SessionID: sessionID,
		events:    make(chan transport.Event, 256),
		Media:     make(map[string][]byte),
	}
}

func (h *Handle) Events() <-chan transport.Event { return h.events }

// Emit delivers ev to the session; dropped once the handle is closed.
func (h *Handle) Emit(ev transport.Event) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	if h.Closed() {
		return
	}
	h.events <- ev
}

// Disconnect emits a Closed event and ends the event stream, like a server hangup.
func (h *Handle) Disconnect(code int) {
	h.Emit(transport.Closed{Code: code})
	_ = h.Close()
}

func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.emitMu.Lock()
		h.closed.Store(true)
		close(h.events)
		h.emitMu.Unlock()
		h.dialer.released(h.SessionID)
	})
	return nil
}

func (h *Handle) Send(ctx context.Context, to string, content transport.Content) (transport.SendResult, error) {
	if h.Closed() {
		return transport.SendResult{}, ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return transport.SendResult{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return transport.SendResult{}, h.SendErr
	}
	h.seq++
	h.sent = append(h.sent, Sent{To: to, Content: content})
	return transport.SendResult{MessageID: "FAKE" + strconv.Itoa(h.seq), Timestamp: int64(h.seq)}, nil
}

func (h *Handle) SetSendErr(err error) {
	h.mu.Lock()
	h.SendErr = err
	h.mu.Unlock()
}

func (h *Handle) SentMessages() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

func (h *Handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return h.LogoutErr
}

func (h *Handle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// FetchHistory pages History (sorted newest first) strictly older than before.
func (h *Handle) FetchHistory(_ context.Context, chatID string, before *transport.MessageCursor, limit int) ([]transport.Message, error) {
	if h.Closed() {
		return nil, ErrHandleClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transport.Message
	skipping := before != nil
	for _, m := range h.History {
		if m.ChatID != chatID {
			continue
		}
		if skipping {
			if m.ID == before.ID && m.FromSelf == before.FromSelf {
				skipping = false
			}
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h *Handle) Download(_ context.Context, ref transport.MediaRef, w io.Writer) (int64, error) {
	h.mu.Lock()
	data, ok := h.Media[ref.Handle]
	err := h.DownErr
	h.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("media not found")
	}
	n, err := w.Write(data)
	return int64(n), err
}
