package natsx

import (
	"context"
	"os"
	"testing"
	"time"

	"msggate/service/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	subject string
	data    []byte
	hdr     map[string]string
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, hdr map[string]string) error {
	f.subject, f.data, f.hdr = subject, data, hdr
	return nil
}

func TestEventSinkSubjectAndHeaders(t *testing.T) {
	pub := &fakePublisher{}
	s := NewEventSink(pub, "gateway.events.")
	body := []byte(`{"sessionId":"s1","event":"session.qr"}`)

	err := s.Publish(context.Background(), webhook.Envelope{SessionID: "s1", Event: webhook.EventSessionQR}, body)
	require.NoError(t, err)
	assert.Equal(t, "gateway.events.s1.session.qr", pub.subject)
	assert.Equal(t, body, pub.data)
	assert.Equal(t, webhook.EventSessionQR, pub.hdr[webhook.HeaderEvent])
	assert.Len(t, pub.hdr["Nats-Msg-Id"], 32)

	first := pub.hdr["Nats-Msg-Id"]
	require.NoError(t, s.Publish(context.Background(), webhook.Envelope{SessionID: "s1", Event: webhook.EventSessionQR}, body))
	assert.Equal(t, first, pub.hdr["Nats-Msg-Id"])
}

func TestSubjectEscapesWildcards(t *testing.T) {
	s := NewEventSink(&fakePublisher{}, "")
	assert.Equal(t, "a_b_c.message.received", s.Subject("a.b*c", webhook.EventMessageReceived))
}

func TestMirrorAgainstLiveServer(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	c, err := NewNatsxClient(NatsxConfig{Servers: []string{url}, Name: "msggate-test"})
	require.NoError(t, err)
	defer c.Close()

	sub, err := c.Conn().SubscribeSync("test.mirror.>")
	require.NoError(t, err)

	s := NewEventSink(c, "test.mirror")
	require.NoError(t, s.Publish(context.Background(), webhook.Envelope{SessionID: "s1", Event: "session.connected"}, []byte(`{}`)))

	msg, err := sub.NextMsg(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "test.mirror.s1.session.connected", msg.Subject)
}
