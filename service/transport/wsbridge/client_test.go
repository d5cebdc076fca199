package wsbridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"msggate/service/transport"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge answers requests with canned responses and lets the test push events.
type fakeBridge struct {
	t        *testing.T
	requests chan frame
	push     chan frame
	session  chan string
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server) {
	b := &fakeBridge{
		t:        t,
		requests: make(chan frame, 16),
		push:     make(chan frame, 16),
		session:  make(chan string, 1),
	}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		b.session <- r.URL.Query().Get("session")

		go func() {
			for f := range b.push {
				if f.Type == "hangup" {
					_ = ws.Close()
					return
				}
				_ = ws.WriteJSON(f)
			}
		}()
		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			b.requests <- f
			resp := frame{Type: frameResponse, ID: f.ID, OK: true}
			switch f.Op {
			case "send":
				resp.Data = map[string]any{"id": "SRV1", "timestamp": 1700000000000}
			case "history":
				resp.Data = map[string]any{"messages": []any{
					map[string]any{"id": "M2", "chatId": "c1", "timestamp": 20, "type": "text", "text": "hi"},
				}}
			case "download":
				resp.Data = map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("PNGDATA"))}
			case "logout":
				resp.OK = false
				resp.Error = "not logged in"
			}
			b.push <- resp
		}
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialHandshakeAndRequests(t *testing.T) {
	bridge, srv := newFakeBridge(t)
	d := NewDialer(Config{URL: wsURL(srv) + "/bridge", RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := d.Dial(ctx, "s1", map[string][]byte{"creds": []byte("secret")})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "s1", <-bridge.session)
	connect := <-bridge.requests
	assert.Equal(t, "connect", connect.Op)
	creds := connect.Data["credentials"].(map[string]any)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("secret")), creds["creds"])

	res, err := h.Send(ctx, "55@s.whatsapp.net", transport.Content{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, transport.SendResult{MessageID: "SRV1", Timestamp: 1700000000000}, res)
	send := <-bridge.requests
	assert.Equal(t, "55@s.whatsapp.net", send.Data["to"])

	msgs, err := h.FetchHistory(ctx, "c1", &transport.MessageCursor{ID: "M3", FromSelf: true}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "M2", msgs[0].ID)
	hist := <-bridge.requests
	assert.Equal(t, map[string]any{"id": "M3", "fromSelf": true}, hist.Data["before"])

	var buf bytes.Buffer
	n, err := h.Download(ctx, transport.MediaRef{Handle: "h1"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "PNGDATA", buf.String())
	<-bridge.requests

	err = h.Logout(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")
}

func TestEventsArriveInOrderAndHangupSynthesizesClose(t *testing.T) {
	bridge, srv := newFakeBridge(t)
	d := NewDialer(Config{URL: wsURL(srv)})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := d.Dial(ctx, "s2", nil)
	require.NoError(t, err)
	defer h.Close()

	bridge.push <- frame{Type: frameEvent, Event: transport.KindPairing, Data: map[string]any{"payload": "2@abc"}}
	bridge.push <- frame{Type: frameEvent, Event: "presence.update", Data: map[string]any{}}
	bridge.push <- frame{Type: frameEvent, Event: transport.KindOpen, Data: map[string]any{"selfId": "1234@s.whatsapp.net"}}
	bridge.push <- frame{Type: "hangup"}

	var got []transport.Event
	for ev := range h.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, transport.PairingChallenge{Payload: "2@abc"}, got[0])
	assert.Equal(t, transport.Opened{SelfID: "1234@s.whatsapp.net"}, got[1])
	closed, ok := got[2].(transport.Closed)
	require.True(t, ok)
	assert.Equal(t, transport.CodeConnectionClosed, closed.Code)
	assert.False(t, transport.Classify(closed.Code).Permanent)

	_, err = h.Send(ctx, "x", transport.Content{Text: "late"})
	assert.Error(t, err)
}

func TestLocalCloseEndsEventsWithoutSyntheticClose(t *testing.T) {
	_, srv := newFakeBridge(t)
	d := NewDialer(Config{URL: wsURL(srv)})

	h, err := d.Dial(context.Background(), "s3", nil)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	for ev := range h.Events() {
		t.Fatalf("unexpected event after local close: %#v", ev)
	}
}

func TestUnreadEventsDoNotBlockResponses(t *testing.T) {
	bridge, srv := newFakeBridge(t)
	d := NewDialer(Config{URL: wsURL(srv), RequestTimeout: 2 * time.Second, EventBuffer: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := d.Dial(ctx, "s4", nil)
	require.NoError(t, err)
	defer h.Close()

	for _, id := range []string{"c1", "c2", "c3"} {
		bridge.push <- frame{Type: frameEvent, Event: transport.KindChats, Data: map[string]any{
			"chats": []any{map[string]any{"id": id}},
		}}
	}

	start := time.Now()
	var buf bytes.Buffer
	_, err = h.Download(ctx, transport.MediaRef{Handle: "h1"}, &buf)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "PNGDATA", buf.String())

	for _, id := range []string{"c1", "c2", "c3"} {
		select {
		case ev := <-h.Events():
			chats, ok := ev.(transport.ChatsUpserted)
			require.True(t, ok)
			require.Len(t, chats.Chats, 1)
			assert.Equal(t, id, chats.Chats[0].ID)
		case <-ctx.Done():
			t.Fatal("event not delivered")
		}
	}
}
