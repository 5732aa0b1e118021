package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DuyTran1503/websocketio/envelope"
	"github.com/DuyTran1503/websocketio/errors"
)

// fakeBus captures the broadcast subscription and published messages.
type fakeBus struct {
	broadcast func(context.Context, []byte)
	published chan publishedMsg
}

type publishedMsg struct {
	subject string
	data    []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(chan publishedMsg, 16)}
}

func (f *fakeBus) Subscribe(_ context.Context, _ string, handler func(context.Context, []byte)) error {
	f.broadcast = handler
	return nil
}

func (f *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	f.published <- publishedMsg{subject: subject, data: data}
	return nil
}

// emit pushes a broadcast event through the captured subscription.
func (f *fakeBus) emit(t *testing.T, event *envelope.Event) {
	t.Helper()
	data, err := envelope.EncodeEvent(event)
	require.NoError(t, err)
	f.broadcast(context.Background(), data)
}

type staticVerifier struct{}

func (staticVerifier) Verify(token string) (string, error) {
	if identity, ok := strings.CutPrefix(token, "user:"); ok {
		return identity, nil
	}
	return "", errors.WrapInvalid(errors.ErrTokenInvalid, "Verifier", "Verify", "bad token")
}

func startRelay(t *testing.T, bus *fakeBus) (*Relay, *httptest.Server) {
	t.Helper()

	r, err := New(Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
	}, bus, staticVerifier{})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

func dial(t *testing.T, srv *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=user:" + identity
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *envelope.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	event, err := envelope.DecodeEvent(data)
	require.NoError(t, err)
	return event
}

func assertNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected no message")
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, srv := startRelay(t, newFakeBus())

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, srv := startRelay(t, newFakeBus())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeAcceptsBearerHeader(t *testing.T) {
	_, srv := startRelay(t, newFakeBus())

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Authorization": []string{"Bearer user:u1"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestBroadcastDeliveredToSenderAndRecipient(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	sender := dial(t, srv, "u1")
	recipient := dial(t, srv, "u2")
	bystander := dial(t, srv, "u3")

	require.Eventually(t, func() bool { return r.Connections() == 3 },
		2*time.Second, 10*time.Millisecond)

	bus.emit(t, &envelope.Event{
		SenderID:    "u1",
		RecipientID: "u2",
		Body:        json.RawMessage(`{"text":"hi"}`),
	})

	for _, conn := range []*websocket.Conn{sender, recipient} {
		event := readEvent(t, conn)
		assert.Equal(t, "u1", event.SenderID)
		assert.Equal(t, "u2", event.RecipientID)
		assert.JSONEq(t, `{"text":"hi"}`, string(event.Body))
	}

	assertNoEvent(t, bystander)
}

func TestSelfMessageDeliveredOnce(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return r.Connections() == 1 },
		2*time.Second, 10*time.Millisecond)

	bus.emit(t, &envelope.Event{
		SenderID:    "u1",
		RecipientID: "u1",
		Body:        json.RawMessage(`{"text":"note to self"}`),
	})

	event := readEvent(t, conn)
	assert.Equal(t, "u1", event.SenderID)

	// Exactly one copy
	assertNoEvent(t, conn)
}

func TestInboundSenderStamping(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return r.Connections() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Client attempts to spoof the sender
	msg := `{"senderId":"someone-else","recipientId":"u2","text":"hi"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

	select {
	case published := <-bus.published:
		assert.Equal(t, "message.send", published.subject)

		event, err := envelope.DecodeEvent(published.data)
		require.NoError(t, err)
		assert.Equal(t, "u1", event.SenderID, "sender must be the connection identity")
		assert.Equal(t, "u2", event.RecipientID)
		assert.JSONEq(t, `{"text":"hi"}`, string(event.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestMalformedInboundNotPublished(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return r.Connections() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))

	select {
	case <-bus.published:
		t.Fatal("malformed message must not be published")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisconnectLeavesGroup(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return r.Connections() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return r.Connections() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Events for the departed identity go nowhere, without error
	bus.emit(t, &envelope.Event{SenderID: "u9", RecipientID: "u1"})
}

func TestMultipleSessionsPerIdentity(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	first := dial(t, srv, "u1")
	second := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return r.Connections() == 2 },
		2*time.Second, 10*time.Millisecond)

	bus.emit(t, &envelope.Event{
		SenderID:    "u2",
		RecipientID: "u1",
		Body:        json.RawMessage(`{"text":"hi"}`),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		assert.Equal(t, "u2", event.SenderID)
	}
}

func TestServeBeforeStartReturns503(t *testing.T) {
	r, err := New(Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
	}, newFakeBus(), staticVerifier{})
	require.NoError(t, err)

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewValidation(t *testing.T) {
	bus := newFakeBus()

	_, err := New(Config{}, bus, staticVerifier{})
	assert.Error(t, err)

	_, err = New(Config{BroadcastSubject: "a", OutboundSubject: "b"}, nil, staticVerifier{})
	assert.Error(t, err)

	_, err = New(Config{BroadcastSubject: "a", OutboundSubject: "b"}, bus, nil)
	assert.Error(t, err)
}

func TestDoubleStartFails(t *testing.T) {
	r, err := New(Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
	}, newFakeBus(), staticVerifier{})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestInboundRateLimitDropsExcess(t *testing.T) {
	bus := newFakeBus()

	r, err := New(Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
		InboundRate:      1,
		InboundBurst:     2,
	}, bus, staticVerifier{})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "u1")
	require.Eventually(t, func() bool { return r.Connections() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Burst of 2 passes, the rest are dropped before reaching the pool.
	for i := 0; i < 6; i++ {
		msg := `{"recipientId":"u2","text":"hi"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	published := 0
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case <-bus.published:
			published++
		case <-deadline:
			break collect
		}
	}
	assert.LessOrEqual(t, published, 3)
	assert.GreaterOrEqual(t, published, 1)
}

func TestConfigValidateInboundRate(t *testing.T) {
	cfg := Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
		InboundRate:      -1,
	}
	assert.Error(t, cfg.Validate())

	cfg = Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
		InboundRate:      5,
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.InboundBurst)
}

func TestBroadcastRacingDisconnect(t *testing.T) {
	bus := newFakeBus()
	r, srv := startRelay(t, bus)

	data, err := envelope.EncodeEvent(&envelope.Event{
		SenderID:    "u2",
		RecipientID: "u1",
		Body:        []byte(`{"text":"hi"}`),
	})
	require.NoError(t, err)

	// Hammer broadcast delivery while connections come and go. A delivery
	// racing a disconnect must drop the message, never panic the
	// subscription goroutine.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.broadcast(context.Background(), data)
				}
			}
		}()
	}

	for i := 0; i < 30; i++ {
		conn := dial(t, srv, "u1")
		require.Eventually(t, func() bool { return r.Connections() == 1 },
			2*time.Second, time.Millisecond)
		_ = conn.Close()
		require.Eventually(t, func() bool { return r.Connections() == 0 },
			2*time.Second, time.Millisecond)
	}

	close(stop)
	wg.Wait()
}

func TestSessionEnqueueAfterCloseDropped(t *testing.T) {
	s := newSession(nil, "u1", 1, nil)

	assert.True(t, s.enqueue([]byte("a")))
	s.close()
	assert.False(t, s.enqueue([]byte("b")))

	// Idempotent
	s.close()
}

func TestRegistryRefusesAddAfterCloseAll(t *testing.T) {
	reg := newGroupRegistry()

	s1 := newSession(nil, "u1", 1, nil)
	require.True(t, reg.add(s1))
	assert.Equal(t, 1, reg.count())

	reg.closeAll()
	assert.Equal(t, 0, reg.count())

	s2 := newSession(nil, "u1", 1, nil)
	assert.False(t, reg.add(s2), "registry is shut down")
	assert.Equal(t, 0, reg.count())
}

func TestStopIsFinal(t *testing.T) {
	bus := newFakeBus()

	r, err := New(Config{
		BroadcastSubject: "message.new",
		OutboundSubject:  "message.send",
	}, bus, staticVerifier{})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(time.Second))

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
