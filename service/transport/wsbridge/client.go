// Package wsbridge reaches the vendored protocol library through a local
// websocket bridge process. One websocket carries one session: requests are
// answered by id, events are pushed in delivery order.
//
// Events pass through an unbounded backlog so a slow consumer never stops the
// read loop from routing responses.
package wsbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"msggate/logger"
	"msggate/service/transport"
	"msggate/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("bridge connection closed")

const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

type frame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Op    string         `json:"op,omitempty"`
	Event string         `json:"event,omitempty"`
	OK    bool           `json:"ok,omitempty"`
	Error string         `json:"error,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

type Config struct {
	URL            string
	RequestTimeout time.Duration // 单个请求的上限；ctx 更短时以 ctx 为准
	EventBuffer    int
	Logger         *zap.Logger
}

func (c *Config) norm() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = logger.L()
	}
}

type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	cfg.norm()
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial opens the websocket and performs the connect handshake within ctx.
func (d *Dialer) Dial(ctx context.Context, sessionID string, creds map[string][]byte) (transport.Handle, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()

	ws, _, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := &conn{
		sessionID: sessionID,
		ws:        ws,
		log:       d.cfg.Logger.With(zap.String("session", sessionID)),
		timeout:   d.cfg.RequestTimeout,
		pending:   make(map[string]chan frame),
		events:    make(chan transport.Event, d.cfg.EventBuffer),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	safe.Go("wsbridge.read."+sessionID, c.readLoop)
	safe.Go("wsbridge.events."+sessionID, c.forward)

	encoded := make(map[string]any, len(creds))
	for k, v := range creds {
		encoded[k] = base64.StdEncoding.EncodeToString(v)
	}
	if _, err := c.call(ctx, "connect", map[string]any{"credentials": encoded}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bridge connect: %w", err)
	}
	return c, nil
}

type conn struct {
	sessionID string
	ws        *websocket.Conn
	log       *zap.Logger
	timeout   time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame // nil after the read loop exits
	seq     atomic.Uint64

	backlogMu sync.Mutex
	backlog   []transport.Event
	ended     bool          // read loop exited; forward closes events once backlog drains
	wake      chan struct{} // cap 1

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) closedLocally() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) readLoop() {
	sawClose := false
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pending = nil
		c.mu.Unlock()

		c.backlogMu.Lock()
		c.ended = true
		c.backlogMu.Unlock()
		c.signal()
	}()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !sawClose && !c.closedLocally() {
				// 桥接进程断开但没有上报 close 事件：按可重连故障处理
				c.emit(transport.Closed{Code: transport.CodeConnectionClosed, Reason: err.Error()})
			}
			return
		}
		switch f.Type {
		case frameResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case frameEvent:
			ev, err := transport.Decode(f.Event, f.Data)
			if err != nil {
				c.log.Debug("[wsbridge] skip event", zap.String("event", f.Event), zap.Error(err))
				continue
			}
			if _, ok := ev.(transport.Closed); ok {
				sawClose = true
			}
			c.emit(ev)
		default:
			c.log.Debug("[wsbridge] unknown frame", zap.String("type", f.Type))
		}
	}
}

// emit never blocks the read loop.
func (c *conn) emit(ev transport.Event) {
	c.backlogMu.Lock()
	c.backlog = append(c.backlog, ev)
	c.backlogMu.Unlock()
	c.signal()
}

func (c *conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// forward moves backlog events to the events channel in order and closes it
// after the read loop ends. A local Close drops whatever is left.
func (c *conn) forward() {
	defer close(c.events)
	for {
		c.backlogMu.Lock()
		if len(c.backlog) == 0 {
			ended := c.ended
			c.backlogMu.Unlock()
			if ended {
				return
			}
			select {
			case <-c.wake:
			case <-c.done:
				return
			}
			continue
		}
		ev := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.backlogMu.Unlock()

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *conn) call(ctx context.Context, op string, data map[string]any) (map[string]any, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	}
	err := c.ws.WriteJSON(frame{Type: frameRequest, ID: id, Op: op, Data: data})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", op, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !f.OK {
			if f.Error == "" {
				f.Error = "request failed"
			}
			return nil, fmt.Errorf("%s: %s", op, f.Error)
		}
		return f.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *conn) Send(ctx context.Context, to string, content transport.Content) (transport.SendResult, error) {
	var res transport.SendResult
	data, err := c.call(ctx, "send", map[string]any{
		"to":      to,
		"content": map[string]any{"text": content.Text},
	})
	if err != nil {
		return res, err
	}
	err = transport.DecodeMap(data, &res)
	return res, err
}

func (c *conn) Logout(ctx context.Context) error {
	_, err := c.call(ctx, "logout", nil)
	return err
}

func (c *conn) FetchHistory(ctx context.Context, chatID string, before *transport.MessageCursor, limit int) ([]transport.Message, error) {
	req := map[string]any{"chatId": chatID, "limit": limit}
	if before != nil {
		req["before"] = map[string]any{"id": before.ID, "fromSelf": before.FromSelf}
	}
	data, err := c.call(ctx, "history", req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []transport.Message `mapstructure:"messages"`
	}
	if err := transport.DecodeMap(data, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.Messages, nil
}

func (c *conn) Download(ctx context.Context, ref transport.MediaRef, w io.Writer) (int64, error) {
	data, err := c.call(ctx, "download", map[string]any{"handle": ref.Handle})
	if err != nil {
		return 0, err
	}
	var out struct {
		Data []byte `mapstructure:"data"`
	}
	if err := transport.DecodeMap(data, &out); err != nil {
		return 0, fmt.Errorf("decode download: %w", err)
	}
	n, err := w.Write(out.Data)
	return int64(n), err
}
