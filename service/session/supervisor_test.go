package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"msggate/service/dispatch"
	"msggate/service/storage"
	"msggate/service/transport"
	"msggate/service/transport/transporttest"
	"msggate/service/webhook"
	"msggate/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type published struct {
	target webhook.Target
	event  string
	data   any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, target webhook.Target, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{target: target, event: event, data: data})
}

func (r *recorder) of(event string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, p := range r.events {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) count(event string) int { return len(r.of(event)) }

type harness struct {
	sup    *Supervisor
	store  *storage.FileStore
	dialer *transporttest.Dialer
	rec    *recorder
	queue  *dispatch.Queue
}

func newHarness(t *testing.T, store *storage.FileStore) *harness {
	t.Helper()
	return newPacedHarness(t, store, dispatch.Config{Clock: dispatch.NewSimClock(time.Unix(0, 0))})
}

func newPacedHarness(t *testing.T, store *storage.FileStore, qcfg dispatch.Config) *harness {
	t.Helper()
	qcfg.Logger = zap.NewNop()
	if store == nil {
		var err error
		store, err = storage.NewFileStore(t.TempDir())
		require.NoError(t, err)
	}
	h := &harness{
		store:  store,
		dialer: transporttest.NewDialer(),
		rec:    &recorder{},
		queue:  dispatch.New(qcfg),
	}
	h.sup = New(Config{
		Store:             store,
		Dialer:            h.dialer,
		Relay:             h.rec,
		Queue:             h.queue,
		DefaultWebhookURL: "http://hooks.local/default",
		Logger:            zap.NewNop(),
	})
	t.Cleanup(func() {
		h.sup.Close()
		h.queue.Close()
	})
	return h
}

// state is polled from Eventually, so it must not call t.FailNow.
func (h *harness) state(id string) State {
	st, err := h.sup.Status(context.Background(), id)
	if err != nil {
		return ""
	}
	return st.State
}

func (h *harness) connect(t *testing.T, id string) *transporttest.Handle {
	t.Helper()
	_, err := h.sup.Create(context.Background(), id, "")
	require.NoError(t, err)
	fh := h.dialer.Latest(id)
	require.NotNil(t, fh)
	fh.Emit(transport.Opened{SelfID: "1234:5@s.whatsapp.net", PushName: "Ann"})
	require.Eventually(t, func() bool { return h.rec.count(webhook.EventSessionConnected) >= 1 }, waitFor, tick)
	return fh
}

func TestPairingThenOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st, err := h.sup.Create(ctx, "s1", "http://hooks.local/s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", st.ID)
	assert.False(t, st.Connected)

	meta, err := storage.LoadMeta(ctx, h.store, "s1")
	require.NoError(t, err)
	assert.Len(t, meta.Secret, secretBytes*2)

	created := h.rec.of(webhook.EventSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, meta.Secret, created[0].data.(map[string]any)["secret"])

	fh := h.dialer.Latest("s1")
	fh.Emit(transport.PairingChallenge{Payload: "QR-1"})
	require.Eventually(t, func() bool { return h.rec.count(webhook.EventSessionQR) == 1 }, waitFor, tick)
	st, err = h.sup.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingScan, st.State)
	require.NotNil(t, st.QR)
	assert.Equal(t, "QR-1", *st.QR)

	fh.Emit(transport.Opened{SelfID: "1234:5@s.whatsapp.net", PushName: "Ann"})
	require.Eventually(t, func() bool { return h.rec.count(webhook.EventSessionConnected) == 1 }, waitFor, tick)

	st, err = h.sup.Status(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Nil(t, st.QR)
	assert.Equal(t, "1234", st.PhoneNumber)
	assert.Equal(t, "Ann", st.PushName)

	conn := h.rec.of(webhook.EventSessionConnected)[0]
	assert.Equal(t, meta.Secret, conn.target.Secret)
	assert.Equal(t, "http://hooks.local/s1", conn.target.URL)
	assert.Equal(t, "1234", conn.data.(map[string]any)["phoneNumber"])
}

func TestCreateIsIdempotentForLiveSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.sup.Create(ctx, "s1", "")
	require.NoError(t, err)
	_, err = h.sup.Create(ctx, "s1", "")
	require.NoError(t, err)

	assert.Len(t, h.dialer.Handles("s1"), 1)
	assert.Equal(t, 1, h.rec.count(webhook.EventSessionCreated))
	assert.Equal(t, 1, h.sup.Registry().Len())
}

func TestCreateRejectsBadID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sup.Create(context.Background(), "../etc", "")
	assert.ErrorIs(t, err, errs.ErrArgs)
}

func TestCreateDialFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.dialer.SetDialErr(errors.New("bridge down"))

	_, err := h.sup.Create(ctx, "s1", "")
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.Equal(t, 0, h.sup.Registry().Len())

	ids, err := h.store.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// the secret already went out with session.created, so the consumer is told the session is gone
	require.Equal(t, 1, h.rec.count(webhook.EventSessionCreated))
	gone := h.rec.of(webhook.EventSessionDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, map[string]any{"reason": "createFailed", "code": 0}, gone[0].data)
}

func TestTransientCloseRestartsWithoutWebhook(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect(t, "s1")

	first.Disconnect(transport.CodeConnectionClosed)
	require.Eventually(t, func() bool { return len(h.dialer.Handles("s1")) == 2 }, waitFor, tick)

	assert.True(t, first.Closed())
	assert.Equal(t, 1, h.dialer.MaxLive("s1"))
	assert.Equal(t, 1, h.dialer.Live("s1"))
	assert.Equal(t, 0, h.rec.count(webhook.EventSessionDisconnected))

	st, err := h.sup.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, st.State)
	require.NotNil(t, st.LastDisconnect)
	assert.Equal(t, transport.CodeConnectionClosed, st.LastDisconnect.Code)
}

func TestStreamEndWithoutCloseEventRestarts(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect(t, "s1")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return len(h.dialer.Handles("s1")) == 2 }, waitFor, tick)
	assert.Equal(t, 0, h.rec.count(webhook.EventSessionDisconnected))
}

func TestRevokedCloseLogsOutOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")
	require.NoError(t, h.store.Apply(ctx, "s1", map[string][]byte{"noise": []byte("k")}, nil))

	fh.Emit(transport.Closed{Code: transport.CodeLoggedOut})
	fh.Emit(transport.Closed{Code: transport.CodeLoggedOut})

	require.Eventually(t, func() bool { return h.state("s1") == StateLoggedOut }, waitFor, tick)
	require.Eventually(t, func() bool { return h.rec.count(webhook.EventSessionDisconnected) >= 1 }, waitFor, tick)
	assert.True(t, fh.Closed())

	disc := h.rec.of(webhook.EventSessionDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, map[string]any{"reason": "loggedOut", "code": transport.CodeLoggedOut}, disc[0].data)
	assert.Len(t, h.dialer.Handles("s1"), 1)

	creds, err := h.store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, creds)

	_, err = h.sup.Restart(ctx, "s1")
	assert.ErrorIs(t, err, errs.ErrSessionNotReady)
}

func TestCreateAfterRevokeStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")
	fh.Disconnect(transport.CodeLoggedOut)
	require.Eventually(t, func() bool { return h.state("s1") == StateLoggedOut }, waitFor, tick)

	st, err := h.sup.Create(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, st.State)
	assert.Nil(t, st.LastDisconnect)
	assert.Len(t, h.dialer.Handles("s1"), 2)
	assert.Equal(t, 2, h.rec.count(webhook.EventSessionCreated))
}

func TestLogoutPurgesEvenWhenTransportFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")
	fh.LogoutErr = errors.New("network unreachable")

	require.NoError(t, h.sup.Logout(ctx, "s1"))
	assert.True(t, fh.LoggedOut())
	assert.True(t, fh.Closed())
	assert.Equal(t, 0, h.sup.Registry().Len())

	ids, err := h.store.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	disc := h.rec.of(webhook.EventSessionDisconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, "logout", disc[0].data.(map[string]any)["reason"])

	_, err = h.sup.Status(ctx, "s1")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.ErrorIs(t, h.sup.Logout(ctx, "s1"), errs.ErrSessionNotFound)
}

func TestLogoutOfStoredSessionNotInMemory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, storage.SaveMeta(ctx, h.store, "s9", storage.SessionMeta{Secret: "abc"}))

	require.NoError(t, h.sup.Logout(ctx, "s9"))
	assert.Empty(t, h.dialer.Handles("s9"))
	_, err := storage.LoadMeta(ctx, h.store, "s9")
	assert.ErrorIs(t, err, storage.ErrNoCredential)
}

func TestLazyReloadKeepsSecret(t *testing.T) {
	first := newHarness(t, nil)
	ctx := context.Background()
	_, err := first.sup.Create(ctx, "s1", "http://hooks.local/s1")
	require.NoError(t, err)
	secret := first.rec.of(webhook.EventSessionCreated)[0].data.(map[string]any)["secret"]
	first.sup.Close()

	second := newHarness(t, first.store)
	st, err := second.sup.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.local/s1", st.WebhookURL)
	assert.Equal(t, 1, second.sup.Registry().Len())
	assert.Equal(t, 0, second.rec.count(webhook.EventSessionCreated))

	second.dialer.Latest("s1").Emit(transport.Opened{SelfID: "99@s.whatsapp.net"})
	require.Eventually(t, func() bool { return second.rec.count(webhook.EventSessionConnected) == 1 }, waitFor, tick)
	assert.Equal(t, secret, second.rec.of(webhook.EventSessionConnected)[0].target.Secret)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sup.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.Equal(t, 0, h.sup.Registry().Len())
}

func TestCredentialUpdatesPersistWithoutMeta(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")
	meta, err := storage.LoadMeta(ctx, h.store, "s1")
	require.NoError(t, err)

	fh.Emit(transport.CredentialsUpdated{
		Set:    map[string][]byte{"noise": []byte("k1"), storage.MetaKey: []byte("clobber")},
		Delete: []string{storage.MetaKey},
	})
	require.Eventually(t, func() bool {
		b, err := h.store.Get(ctx, "s1", "noise")
		return err == nil && string(b) == "k1"
	}, waitFor, tick)

	again, err := storage.LoadMeta(ctx, h.store, "s1")
	require.NoError(t, err)
	assert.Equal(t, meta.Secret, again.Secret)

	_, err = h.sup.Restart(ctx, "s1")
	require.NoError(t, err)
	dials := h.dialer.DialCredentials()
	last := dials[len(dials)-1]
	assert.Equal(t, []byte("k1"), last["noise"])
	assert.NotContains(t, last, storage.MetaKey)
}

func TestRestoreLoadsStoredSessions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		require.NoError(t, storage.SaveMeta(ctx, h.store, id, storage.SessionMeta{Secret: "sec-" + id}))
	}

	n, err := h.sup.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := h.sup.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	n, err = h.sup.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSetWebhookPersists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sup.Create(ctx, "s1", "")
	require.NoError(t, err)

	st, err := h.sup.SetWebhook(ctx, "s1", "http://hooks.local/new")
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.local/new", st.WebhookURL)

	meta, err := storage.LoadMeta(ctx, h.store, "s1")
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.local/new", meta.WebhookURL)
}

func TestDefaultWebhookUsedWhenUnset(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sup.Create(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.local/default", h.rec.of(webhook.EventSessionCreated)[0].target.URL)
}

func TestHistoryBatchIsIndexedButNotForwarded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")

	fh.Emit(transport.MessagesReceived{Live: false, Messages: []transport.Message{
		{ID: "OLD", ChatID: "555@s.whatsapp.net", Timestamp: 1, Type: "text", Text: "old"},
	}})
	fh.Emit(transport.MessagesReceived{Live: true, Messages: []transport.Message{
		{ID: "NEW", ChatID: "555@s.whatsapp.net", Timestamp: 2, Type: "text", Text: "new"},
	}})
	require.Eventually(t, func() bool { return h.rec.count(webhook.EventMessageReceived) == 1 }, waitFor, tick)

	page, err := h.sup.ListChats(ctx, "s1", 0, nil)
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, "555@s.whatsapp.net", page.Chats[0].ID)
}

func TestSendDeliversAndReports(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")

	ticket, err := h.sup.Send(ctx, "s1", "+1 555-0100", transport.Content{Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ClientID)

	wctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	out, ok := ticket.Wait(wctx)
	require.True(t, ok)
	require.NoError(t, out.Err)
	assert.Equal(t, "FAKE1", out.MessageID)

	sent := fh.SentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "15550100@s.whatsapp.net", sent[0].To)
	assert.Equal(t, "hi", sent[0].Content.Text)

	require.Eventually(t, func() bool { return h.rec.count(webhook.EventMessageSent) == 1 }, waitFor, tick)
	page, err := h.sup.ListChats(ctx, "s1", 0, nil)
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
}

func TestSendFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")
	fh.SetSendErr(errors.New("rejected"))

	ticket, err := h.sup.Send(ctx, "s1", "555@s.whatsapp.net", transport.Content{Text: "hi"})
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	out, ok := ticket.Wait(wctx)
	require.True(t, ok)
	assert.ErrorIs(t, out.Err, errs.ErrTransport)

	failed := h.rec.of(webhook.EventMessageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ticket.ClientID, failed[0].data.(map[string]any)["clientId"])
}

func TestLogoutFailsQueuedSends(t *testing.T) {
	h := newPacedHarness(t, nil, dispatch.Config{MinInterval: time.Hour})
	ctx := context.Background()
	fh := h.connect(t, "s1")

	ticket, err := h.sup.Send(ctx, "s1", "555", transport.Content{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, h.sup.Logout(ctx, "s1"))

	wctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	out, ok := ticket.Wait(wctx)
	require.True(t, ok)
	assert.ErrorIs(t, out.Err, errs.ErrSessionNotReady)
	assert.Empty(t, fh.SentMessages())

	require.Eventually(t, func() bool { return h.rec.count(webhook.EventMessageFailed) == 1 }, waitFor, tick)
	failed := h.rec.of(webhook.EventMessageFailed)[0].data.(map[string]any)
	assert.Equal(t, ticket.ClientID, failed["clientId"])
	assert.Equal(t, "555@s.whatsapp.net", failed["to"])
}

func TestSendRequiresConnectedSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.sup.Create(ctx, "s1", "")
	require.NoError(t, err)

	_, err = h.sup.Send(ctx, "s1", "555", transport.Content{Text: "hi"})
	assert.ErrorIs(t, err, errs.ErrSessionNotReady)

	_, err = h.sup.Send(ctx, "s1", "abc", transport.Content{Text: "hi"})
	assert.ErrorIs(t, err, errs.ErrArgs)

	_, err = h.sup.Send(ctx, "s1", "555", transport.Content{Text: "  "})
	assert.ErrorIs(t, err, errs.ErrArgs)

	_, err = h.sup.ListMessages(ctx, "s1", "555@s.whatsapp.net", 10, nil)
	assert.ErrorIs(t, err, errs.ErrSessionNotReady)
}

func TestListMessagesPagesHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	fh := h.connect(t, "s1")
	fh.History = []transport.Message{
		{ID: "M3", ChatID: "c@g.us", Timestamp: 3, Type: "text", Text: "3"},
		{ID: "M2", ChatID: "c@g.us", Timestamp: 2, Type: "text", Text: "2"},
		{ID: "M1", ChatID: "c@g.us", Timestamp: 1, Type: "text", Text: "1"},
	}

	page, err := h.sup.ListMessages(ctx, "s1", "c@g.us", 2, nil)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "M2", page.NextCursor.ID)

	page, err = h.sup.ListMessages(ctx, "s1", "c@g.us", 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "M1", page.Messages[0].ID)
}

func TestNormalizeDestination(t *testing.T) {
	cases := []struct{ in, want string }{
		{"+1 (555) 010-0", "15550100@s.whatsapp.net"},
		{"15550100", "15550100@s.whatsapp.net"},
		{"123-456@g.us", "123-456@g.us"},
		{"  42@s.whatsapp.net", "42@s.whatsapp.net"},
		{"abc", ""},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeDestination(c.in), c.in)
	}
}

func TestPhoneFromID(t *testing.T) {
	assert.Equal(t, "1234", PhoneFromID("1234:7@s.whatsapp.net"))
	assert.Equal(t, "1234", PhoneFromID("1234@s.whatsapp.net"))
	assert.Equal(t, "", PhoneFromID(""))
}
